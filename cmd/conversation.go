package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

func conversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Manage stored conversations",
	}
	cmd.AddCommand(conversationStatusCmd())
	return cmd
}

func conversationStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <conversation-id> <active|archived|deleted>",
		Short: "Archive, delete or reactivate a conversation",
		Long: "Archived non-threaded conversations are no longer continued by new messages; " +
			"deleted conversations are never resolved again. Rows are kept.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, status, err := parseStatusArgs(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			stores, closeStores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			res := sessions.NewResolver(stores.Conversations, cfg.ContinuityWindow())
			if err := res.SetStatus(ctx, id, status); err != nil {
				return err
			}
			fmt.Printf("conversation %s is now %s\n", id, status)
			return nil
		},
	}
}

func parseStatusArgs(rawID, rawStatus string) (uuid.UUID, store.ConversationStatus, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid conversation id %q: %w", rawID, err)
	}
	status := store.ConversationStatus(rawStatus)
	if !status.Valid() {
		return uuid.Nil, "", fmt.Errorf("unknown status %q (want active, archived or deleted)", rawStatus)
	}
	return id, status, nil
}

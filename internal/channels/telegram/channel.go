package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/channels"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, router bus.EventRouter) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(store.PlatformTelegram, router, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	allowed := []string{"message"}
	if c.config.ReactionsEnabled() {
		// Only delivered when the bot is an administrator of the chat.
		allowed = append(allowed, "message_reaction")
	}

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: allowed,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username(), "updates", allowed)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(update)
				case update.MessageReaction != nil:
					c.handleReaction(update)
				default:
					slog.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Telegram holds the getUpdates lock until the poller is gone.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// SendText posts text to a chat (and forum topic) and returns the message id.
func (c *Channel) SendText(ctx context.Context, channel string, thread *string, text string) (string, error) {
	chatID, err := parseChatID(channel)
	if err != nil {
		return "", fmt.Errorf("telegram send: invalid chat id %q: %w", channel, store.ErrConstraintViolation)
	}

	params := tu.Message(tu.ID(chatID), channels.Truncate(text, maxMessageLen))
	if threadID := resolveThreadIDForSend(parseThreadID(thread)); threadID > 0 {
		params.MessageThreadID = threadID
	}

	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", transient(err))
	}
	return strconv.Itoa(msg.MessageID), nil
}

// UpdateText edits a message the bot sent earlier.
func (c *Channel) UpdateText(ctx context.Context, channel string, _ *string, externalMessageID, text string) (bool, error) {
	chatID, err := parseChatID(channel)
	if err != nil {
		return false, fmt.Errorf("telegram edit: invalid chat id %q: %w", channel, store.ErrConstraintViolation)
	}
	msgID, err := strconv.Atoi(externalMessageID)
	if err != nil {
		return false, fmt.Errorf("telegram edit: invalid message id %q: %w", externalMessageID, store.ErrConstraintViolation)
	}

	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      channels.Truncate(text, maxMessageLen),
	})
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return false, nil
		}
		return false, fmt.Errorf("telegram edit: %w", transient(err))
	}
	return true, nil
}

// FetchUserProfile looks up a user's public profile via getChat.
func (c *Channel) FetchUserProfile(ctx context.Context, externalUserID string) (identity.Profile, error) {
	userID, err := parseChatID(externalUserID)
	if err != nil {
		return identity.Profile{}, fmt.Errorf("telegram profile: invalid user id %q: %w", externalUserID, store.ErrConstraintViolation)
	}
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(userID)})
	if err != nil {
		return identity.Profile{}, fmt.Errorf("telegram profile: %w", transient(err))
	}
	return identity.Profile{
		DisplayName: joinName(chat.FirstName, chat.LastName),
		Username:    chat.Username,
	}, nil
}

// transient marks Bot API failures as retryable I/O errors.
func transient(err error) error {
	return fmt.Errorf("%w: %v", store.ErrTransientIO, err)
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}

// parseThreadID converts a thread marker to a forum topic id (0 = none).
func parseThreadID(thread *string) int {
	if thread == nil {
		return 0
	}
	id, err := strconv.Atoi(*thread)
	if err != nil {
		return 0
	}
	return id
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send API calls.
// General topic (1) must be omitted; Telegram rejects it with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}

func joinName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

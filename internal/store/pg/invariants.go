package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PGInvariantChecker re-checks the data-model invariants with set queries.
// Most are also enforced by constraints; the checks still run so a batch can
// report every broken rule in one pass.
type PGInvariantChecker struct {
	db dbtx
}

// NewInvariantChecker runs the checks outside any store bundle (schema tooling).
func NewInvariantChecker(db *sql.DB) *PGInvariantChecker {
	return &PGInvariantChecker{db: db}
}

type invariantCheck struct {
	rule   string
	entity string
	query  string // selects (id, detail)
	args   []any
}

var validStatuses = []string{
	string(store.ConversationActive),
	string(store.ConversationArchived),
	string(store.ConversationDeleted),
}

func invariantChecks() []invariantCheck {
	return []invariantCheck{
		{store.RuleNullOwner, "conversation",
			`SELECT id::text, 'user_id' FROM conversations WHERE user_id IS NULL`, nil},
		{store.RuleDanglingReference, "conversation",
			`SELECT c.id::text, 'user ' || c.user_id::text FROM conversations c
			 LEFT JOIN users u ON u.id = c.user_id WHERE u.id IS NULL`, nil},
		{store.RuleInvalidStatus, "conversation",
			`SELECT id::text, status FROM conversations WHERE NOT (status = ANY($1))`,
			[]any{pq.Array(validStatuses)}},
		{store.RuleDuplicateTuple, "conversation",
			`SELECT (array_agg(id::text ORDER BY created_at))[2], COUNT(*)::text || ' rows'
			 FROM conversations WHERE thread IS NOT NULL
			 GROUP BY platform, user_id, channel, thread HAVING COUNT(*) > 1`, nil},
		{store.RuleNullOwner, "query",
			`SELECT id::text, '' FROM queries WHERE conversation_id IS NULL OR user_id IS NULL`, nil},
		{store.RuleDanglingReference, "query",
			`SELECT q.id::text, 'conversation ' || q.conversation_id::text FROM queries q
			 LEFT JOIN conversations c ON c.id = q.conversation_id WHERE c.id IS NULL`, nil},
		{store.RuleNullOwner, "response",
			`SELECT id::text, '' FROM responses WHERE query_id IS NULL OR conversation_id IS NULL`, nil},
		{store.RuleDanglingReference, "response",
			`SELECT r.id::text, 'query ' || r.query_id::text FROM responses r
			 LEFT JOIN queries q ON q.id = r.query_id WHERE q.id IS NULL`, nil},
		{store.RuleConversationMismatch, "response",
			`SELECT r.id::text, 'query in ' || q.conversation_id::text FROM responses r
			 JOIN queries q ON q.id = r.query_id WHERE q.conversation_id <> r.conversation_id`, nil},
		{store.RuleDuplicateExternalID, "query",
			`SELECT (array_agg(id::text ORDER BY created_at))[2], external_message_id FROM queries
			 WHERE external_message_id IS NOT NULL
			 GROUP BY conversation_id, external_message_id HAVING COUNT(*) > 1`, nil},
		{store.RuleDuplicateExternalID, "response",
			`SELECT (array_agg(id::text ORDER BY created_at))[2], external_message_id FROM responses
			 WHERE external_message_id IS NOT NULL
			 GROUP BY conversation_id, external_message_id HAVING COUNT(*) > 1`, nil},
		{store.RuleMessageCount, "conversation",
			`SELECT c.id::text, 'stored ' || c.message_count || ', actual ' || (
				(SELECT COUNT(*) FROM queries q WHERE q.conversation_id = c.id) +
				(SELECT COUNT(*) FROM responses r WHERE r.conversation_id = c.id))
			 FROM conversations c
			 WHERE c.message_count <>
				(SELECT COUNT(*) FROM queries q WHERE q.conversation_id = c.id) +
				(SELECT COUNT(*) FROM responses r WHERE r.conversation_id = c.id)`, nil},
		{store.RuleDanglingReference, "reaction",
			`SELECT x.id::text, 'response ' || x.response_id::text FROM reactions x
			 LEFT JOIN responses r ON r.id = x.response_id WHERE r.id IS NULL`, nil},
		{store.RuleDuplicateActive, "reaction",
			`SELECT (array_agg(id::text ORDER BY created_at))[2], label FROM reactions
			 WHERE removed_at IS NULL
			 GROUP BY response_id, user_id, label HAVING COUNT(*) > 1`, nil},
	}
}

func (c *PGInvariantChecker) CheckInvariants(ctx context.Context) ([]store.Violation, error) {
	var out []store.Violation
	for _, chk := range invariantChecks() {
		found, err := c.run(ctx, chk)
		if err != nil {
			return nil, fmt.Errorf("check %s/%s: %w", chk.entity, chk.rule, err)
		}
		out = append(out, found...)
	}
	return out, nil
}

func (c *PGInvariantChecker) run(ctx context.Context, chk invariantCheck) ([]store.Violation, error) {
	rows, err := c.db.QueryContext(ctx, chk.query, chk.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Violation
	for rows.Next() {
		var id, detail string
		if err := rows.Scan(&id, &detail); err != nil {
			return nil, err
		}
		out = append(out, store.Violation{Rule: chk.rule, Entity: chk.entity, ID: id, Detail: detail})
	}
	return out, rows.Err()
}

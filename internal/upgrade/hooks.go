package upgrade

import (
	"context"
	"database/sql"
)

func init() {
	RegisterDataHook(1, "001_recount_conversation_counters", recountConversationCounters)
	RegisterDataHook(1, "001_settle_answered_queries", settleAnsweredQueries)
}

// recountConversationCounters rebuilds message_count and last_activity_at
// from the stored queries and responses. Rows written by older importers
// that bypassed the counter bump are repaired; correct rows are unchanged.
func recountConversationCounters(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		WITH msgs AS (
			SELECT conversation_id, COUNT(*) AS n, MAX(created_at) AS last_at
			  FROM (SELECT conversation_id, created_at FROM queries
			        UNION ALL
			        SELECT conversation_id, created_at FROM responses) m
			 GROUP BY conversation_id
		), want AS (
			SELECT c.id, COALESCE(msgs.n, 0) AS n, msgs.last_at
			  FROM conversations c
			  LEFT JOIN msgs ON msgs.conversation_id = c.id
		)
		UPDATE conversations c
		   SET message_count    = want.n,
		       last_activity_at = GREATEST(c.last_activity_at, COALESCE(want.last_at, c.last_activity_at))
		  FROM want
		 WHERE c.id = want.id
		   AND c.message_count <> want.n`)
	return err
}

// settleAnsweredQueries marks queries that already own a successful
// response as answered.
func settleAnsweredQueries(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE queries q
		   SET delivery_status = 'answered'
		 WHERE q.delivery_status = 'received'
		   AND EXISTS (SELECT 1 FROM responses r
		                WHERE r.query_id = q.id
		                  AND r.conversation_id = q.conversation_id
		                  AND r.error_kind IS NULL)`)
	return err
}

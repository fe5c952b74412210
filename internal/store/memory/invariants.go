package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func (db *DB) CheckInvariants(_ context.Context) ([]store.Violation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []store.Violation
	add := func(rule, entity string, id uuid.UUID, detail string) {
		out = append(out, store.Violation{Rule: rule, Entity: entity, ID: id.String(), Detail: detail})
	}

	counts := make(map[uuid.UUID]int, len(db.st.conversations))
	tuples := make(map[string]uuid.UUID)
	for _, c := range db.st.conversations {
		if c.UserID == uuid.Nil {
			add(store.RuleNullOwner, "conversation", c.ID, "user_id")
		} else if _, ok := db.st.users[c.UserID]; !ok {
			add(store.RuleDanglingReference, "conversation", c.ID, "user "+c.UserID.String())
		}
		if !c.Status.Valid() {
			add(store.RuleInvalidStatus, "conversation", c.ID, string(c.Status))
		}
		if c.Thread != nil {
			k := fmt.Sprintf("%s|%s|%s|%s", c.Platform, c.UserID, c.Channel, *c.Thread)
			if other, dup := tuples[k]; dup {
				add(store.RuleDuplicateTuple, "conversation", c.ID, "also "+other.String())
			}
			tuples[k] = c.ID
		}
	}

	queryExt := make(map[string]uuid.UUID)
	for _, q := range db.st.queries {
		if q.ConversationID == uuid.Nil || q.UserID == uuid.Nil {
			add(store.RuleNullOwner, "query", q.ID, "")
		}
		if _, ok := db.st.conversations[q.ConversationID]; !ok {
			add(store.RuleDanglingReference, "query", q.ID, "conversation "+q.ConversationID.String())
		}
		counts[q.ConversationID]++
		if q.ExternalMessageID != nil {
			k := q.ConversationID.String() + "|" + *q.ExternalMessageID
			if _, dup := queryExt[k]; dup {
				add(store.RuleDuplicateExternalID, "query", q.ID, *q.ExternalMessageID)
			}
			queryExt[k] = q.ID
		}
	}

	respExt := make(map[string]uuid.UUID)
	for _, r := range db.st.responses {
		if r.QueryID == uuid.Nil || r.ConversationID == uuid.Nil {
			add(store.RuleNullOwner, "response", r.ID, "")
		}
		q, ok := db.st.queries[r.QueryID]
		if !ok {
			add(store.RuleDanglingReference, "response", r.ID, "query "+r.QueryID.String())
		} else if q.ConversationID != r.ConversationID {
			add(store.RuleConversationMismatch, "response", r.ID, "query in "+q.ConversationID.String())
		}
		if _, ok := db.st.conversations[r.ConversationID]; !ok {
			add(store.RuleDanglingReference, "response", r.ID, "conversation "+r.ConversationID.String())
		}
		counts[r.ConversationID]++
		if r.ExternalMessageID != nil {
			k := r.ConversationID.String() + "|" + *r.ExternalMessageID
			if _, dup := respExt[k]; dup {
				add(store.RuleDuplicateExternalID, "response", r.ID, *r.ExternalMessageID)
			}
			respExt[k] = r.ID
		}
	}

	for _, c := range db.st.conversations {
		if counts[c.ID] != c.MessageCount {
			add(store.RuleMessageCount, "conversation", c.ID,
				fmt.Sprintf("stored %d, actual %d", c.MessageCount, counts[c.ID]))
		}
	}

	active := make(map[string]uuid.UUID)
	for _, r := range db.st.reactions {
		if _, ok := db.st.responses[r.ResponseID]; !ok {
			add(store.RuleDanglingReference, "reaction", r.ID, "response "+r.ResponseID.String())
		}
		if !r.Active() {
			continue
		}
		k := fmt.Sprintf("%s|%s|%s", r.ResponseID, r.UserID, r.Label)
		if _, dup := active[k]; dup {
			add(store.RuleDuplicateActive, "reaction", r.ID, r.Label)
		}
		active[k] = r.ID
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

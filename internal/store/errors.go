package store

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every store implementation and the components above them.
// Callers match with errors.Is; implementations wrap with %w to keep context.
var (
	// ErrNotFound: a lookup (response by external id, conversation, query) found nothing.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation: a write would break a data-model invariant.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTransientIO: a call to the chat platform or completion provider failed or timed out.
	ErrTransientIO = errors.New("transient io failure")
)

// Violation describes one broken invariant found by an InvariantChecker.
type Violation struct {
	Rule   string `json:"rule"`
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Detail string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Detail == "" {
		return fmt.Sprintf("%s: %s %s", v.Rule, v.Entity, v.ID)
	}
	return fmt.Sprintf("%s: %s %s (%s)", v.Rule, v.Entity, v.ID, v.Detail)
}

// InvariantError aggregates the violations that caused a batch to abort.
type InvariantError struct {
	Violations []Violation
}

func (e *InvariantError) Error() string {
	if len(e.Violations) == 1 {
		return "invariant violated: " + e.Violations[0].String()
	}
	return fmt.Sprintf("%d invariants violated, first: %s", len(e.Violations), e.Violations[0].String())
}

func (e *InvariantError) Unwrap() error { return ErrConstraintViolation }

// Invariant rule names reported by InvariantChecker implementations.
const (
	RuleNullOwner            = "null_owner"
	RuleDanglingReference    = "dangling_reference"
	RuleConversationMismatch = "conversation_mismatch"
	RuleDuplicateTuple       = "duplicate_conversation_tuple"
	RuleDuplicateExternalID  = "duplicate_external_id"
	RuleDuplicateActive      = "duplicate_active_reaction"
	RuleMessageCount         = "message_count_mismatch"
	RuleInvalidStatus        = "invalid_status"
)

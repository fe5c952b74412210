package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the golang-migrate version this binary expects.
const RequiredSchemaVersion uint = 1

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema reads schema_migrations and compares it with RequiredSchemaVersion.
// A missing table or row means a fresh database that needs migrating.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	var (
		version uint
		dirty   bool
	)
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return &SchemaStatus{RequiredVersion: RequiredSchemaVersion, NeedsMigration: true}, nil
	}
	return newStatus(version, dirty, RequiredSchemaVersion), nil
}

func newStatus(current uint, dirty bool, required uint) *SchemaStatus {
	s := &SchemaStatus{
		CurrentVersion:  current,
		RequiredVersion: required,
		Dirty:           dirty,
	}
	if dirty {
		return s
	}
	switch {
	case current == required:
		s.Compatible = true
	case current < required:
		s.NeedsMigration = true
	}
	return s
}

// FormatError explains an incompatible status and how to fix it.
func FormatError(s *SchemaStatus) string {
	if s.Dirty {
		prev := s.CurrentVersion
		if prev > 0 {
			prev--
		}
		return fmt.Sprintf(
			"Database schema is in a dirty state (version %d).\n"+
				"A migration failed partway.\n\n"+
				"  Fix:  convlink migrate force %d\n"+
				"  Then: convlink upgrade\n",
			s.CurrentVersion, prev,
		)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Sprintf(
			"Database schema (v%d) is newer than this binary (requires v%d).\n\n"+
				"  Fix: upgrade the convlink binary.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return fmt.Sprintf(
		"Database schema is outdated: current v%d, required v%d.\n\n"+
			"  Run:  convlink upgrade\n"+
			"  Or:   convlink migrate up   (SQL only, no data hooks)\n\n"+
			"  Docker/CI: set CONVLINK_AUTO_UPGRADE=true to upgrade on startup.\n",
		s.CurrentVersion, s.RequiredVersion,
	)
}

// Package backfill imports a legacy flat message log into the normalized
// store, linking every historical response to a query.
package backfill

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Role of a legacy row.
type Role string

const (
	RoleQuery    Role = "query"
	RoleResponse Role = "response"
)

// Row is one entry of the legacy log. Responses carry no query reference;
// ExternalUserID is the user the row was sent by or addressed to.
type Row struct {
	LegacyID          string         `json:"legacy_id"`
	Platform          store.Platform `json:"platform"`
	ExternalUserID    string         `json:"external_user_id"`
	Channel           string         `json:"channel"`
	Thread            *string        `json:"thread,omitempty"`
	Role              Role           `json:"role"`
	Content           string         `json:"content"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Model             string         `json:"model,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Validate checks the fields every row needs to be placed.
func (r Row) Validate() error {
	switch {
	case r.Role != RoleQuery && r.Role != RoleResponse:
		return fmt.Errorf("row %s: role %q: %w", r.LegacyID, r.Role, store.ErrConstraintViolation)
	case !store.IsKnownPlatform(r.Platform):
		return fmt.Errorf("row %s: unknown platform %q: %w", r.LegacyID, r.Platform, store.ErrConstraintViolation)
	case r.ExternalUserID == "" || r.Channel == "":
		return fmt.Errorf("row %s: user and channel required: %w", r.LegacyID, store.ErrConstraintViolation)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("row %s: timestamp required: %w", r.LegacyID, store.ErrConstraintViolation)
	}
	return nil
}

// Source yields legacy rows.
type Source interface {
	Rows(ctx context.Context) ([]Row, error)
}

// JSONLSource reads one JSON object per line. Blank lines are skipped.
type JSONLSource struct {
	Path string
}

func (s JSONLSource) Rows(ctx context.Context) ([]Row, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open legacy log: %w", err)
	}
	defer f.Close()
	return ReadJSONL(ctx, f)
}

// ReadJSONL decodes rows from r.
func ReadJSONL(ctx context.Context, r io.Reader) ([]Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var rows []Row
	line := 0
	for sc.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("legacy log line %d: %w", line, err)
		}
		if row.LegacyID == "" {
			row.LegacyID = "line-" + strconv.Itoa(line)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read legacy log: %w", err)
	}
	return rows, nil
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteSource reads the legacy messages table of a SQLite database.
// Expected columns: id, platform, external_user_id, channel, thread, role,
// content, external_message_id, created_at, model, error.
type SQLiteSource struct {
	Path  string
	Table string // default "messages"
}

func (s SQLiteSource) Rows(ctx context.Context) ([]Row, error) {
	table := s.Table
	if table == "" {
		table = "messages"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid legacy table name %q", table)
	}

	db, err := sql.Open("sqlite", "file:"+s.Path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT CAST(id AS TEXT), platform, external_user_id, channel, thread, role,
		COALESCE(content, ''), external_message_id, CAST(created_at AS TEXT), COALESCE(model, ''), COALESCE(error, '')
		FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy table %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row              Row
			platform, role   string
			thread, extMsgID sql.NullString
			createdAt        string
		)
		if err := rows.Scan(&row.LegacyID, &platform, &row.ExternalUserID, &row.Channel, &thread, &role,
			&row.Content, &extMsgID, &createdAt, &row.Model, &row.Error); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}
		row.Platform = store.Platform(platform)
		row.Role = Role(role)
		if thread.Valid && thread.String != "" {
			t := thread.String
			row.Thread = &t
		}
		row.ExternalMessageID = extMsgID.String
		if row.CreatedAt, err = parseLegacyTime(createdAt); err != nil {
			return nil, fmt.Errorf("legacy row %s: %w", row.LegacyID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseLegacyTime accepts RFC 3339, SQLite datetime text or unix seconds.
func parseLegacyTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

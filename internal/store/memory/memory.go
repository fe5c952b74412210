// Package memory is the standalone store backend: the whole graph lives in
// process memory behind one mutex and is optionally snapshotted to a JSON file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

type state struct {
	users         map[uuid.UUID]*store.UserData
	conversations map[uuid.UUID]*store.ConversationData
	queries       map[uuid.UUID]*store.QueryData
	responses     map[uuid.UUID]*store.ResponseData
	reactions     map[uuid.UUID]*store.ReactionData
}

func newState() *state {
	return &state{
		users:         make(map[uuid.UUID]*store.UserData),
		conversations: make(map[uuid.UUID]*store.ConversationData),
		queries:       make(map[uuid.UUID]*store.QueryData),
		responses:     make(map[uuid.UUID]*store.ResponseData),
		reactions:     make(map[uuid.UUID]*store.ReactionData),
	}
}

func (s *state) clone() *state {
	out := newState()
	for id, u := range s.users {
		out.users[id] = cloneUser(u)
	}
	for id, c := range s.conversations {
		out.conversations[id] = cloneConversation(c)
	}
	for id, q := range s.queries {
		out.queries[id] = cloneQuery(q)
	}
	for id, r := range s.responses {
		out.responses[id] = cloneResponse(r)
	}
	for id, r := range s.reactions {
		out.reactions[id] = cloneReaction(r)
	}
	return out
}

// DefaultFlushInterval is how long writes are batched before the snapshot
// file is rewritten.
const DefaultFlushInterval = 2 * time.Second

// DB implements every store interface over in-memory maps.
// Each method is one critical section, which makes every write atomic
// with respect to the conversation counters it bumps.
type DB struct {
	mu      sync.Mutex
	st      *state
	storage string // snapshot file; "" = memory only
	now     func() time.Time

	// snapshot batching; writeMu is taken before mu
	writeMu       sync.Mutex
	flushInterval time.Duration // 0 = write through
	dirty         bool
	timer         *time.Timer
}

// Option configures a DB.
type Option func(*DB)

// WithFlushInterval batches snapshot writes for d. 0 rewrites the file on
// every write.
func WithFlushInterval(d time.Duration) Option {
	return func(db *DB) {
		if d < 0 {
			d = 0
		}
		db.flushInterval = d
	}
}

// New creates a store. When storage is non-empty the previous snapshot is
// loaded from it and writes are persisted back, batched by the flush
// interval. Transactions are flushed on commit; Close flushes the rest.
func New(storage string, opts ...Option) (*DB, error) {
	db := &DB{st: newState(), storage: storage, now: time.Now, flushInterval: DefaultFlushInterval}
	for _, opt := range opts {
		opt(db)
	}
	if storage != "" {
		if err := os.MkdirAll(filepath.Dir(storage), 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		if err := db.load(); err != nil {
			return nil, err
		}
	}
	return db, nil
}


// Stores returns the container view of db.
func (db *DB) Stores() *store.Stores {
	return &store.Stores{
		Users:         db,
		Conversations: db,
		Messages:      db,
		Reactions:     db,
		Invariants:    db,
		Tx:            db,
	}
}

// WithinTx runs fn against a private copy of the graph and swaps it in when
// fn succeeds. Other callers are blocked for the duration.
// A committed transaction is on disk when WithinTx returns.
func (db *DB) WithinTx(ctx context.Context, fn func(tx *store.Stores) error) error {
	if err := db.commit(ctx, fn); err != nil {
		return err
	}
	return db.Flush()
}

func (db *DB) commit(ctx context.Context, fn func(tx *store.Stores) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &DB{st: db.st.clone(), now: db.now}
	if err := fn(tx.Stores()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.st = tx.st
	return db.saveLocked()
}

// Counts is the number of stored rows per relation.
type Counts struct {
	Users         int `json:"users"`
	Conversations int `json:"conversations"`
	Queries       int `json:"queries"`
	Responses     int `json:"responses"`
	Reactions     int `json:"reactions"`
}

// Counts reports how many rows each relation holds.
func (db *DB) Counts() Counts {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Counts{
		Users:         len(db.st.users),
		Conversations: len(db.st.conversations),
		Queries:       len(db.st.queries),
		Responses:     len(db.st.responses),
		Reactions:     len(db.st.reactions),
	}
}

func (db *DB) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return db.now().UTC()
	}
	return t
}

// --- snapshot persistence ---

type snapshot struct {
	Users         []*store.UserData         `json:"users"`
	Conversations []*store.ConversationData `json:"conversations"`
	Queries       []*store.QueryData        `json:"queries"`
	Responses     []*store.ResponseData     `json:"responses"`
	Reactions     []*store.ReactionData     `json:"reactions"`
}

// saveLocked records that the graph changed and schedules a snapshot write.
// Caller must hold db.mu.
func (db *DB) saveLocked() error {
	if db.storage == "" {
		return nil
	}
	db.dirty = true
	if db.flushInterval == 0 {
		data, err := db.marshalLocked()
		if err != nil {
			return err
		}
		db.dirty = false
		return writeSnapshot(db.storage, data)
	}
	if db.timer == nil {
		db.timer = time.AfterFunc(db.flushInterval, func() {
			if err := db.Flush(); err != nil {
				slog.Error("memory store snapshot failed", "path", db.storage, "error", err)
			}
		})
	}
	return nil
}

// Flush writes pending changes to the snapshot file now.
func (db *DB) Flush() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.Lock()
	if db.timer != nil {
		db.timer.Stop()
		db.timer = nil
	}
	if !db.dirty || db.storage == "" {
		db.mu.Unlock()
		return nil
	}
	data, err := db.marshalLocked()
	db.dirty = false
	db.mu.Unlock()
	if err == nil {
		err = writeSnapshot(db.storage, data)
	}
	if err != nil {
		db.mu.Lock()
		db.dirty = true
		db.mu.Unlock()
	}
	return err
}

// Close flushes pending changes.
func (db *DB) Close() error {
	return db.Flush()
}

func (db *DB) marshalLocked() ([]byte, error) {
	snap := snapshot{
		Users:         sortedValues(db.st.users),
		Conversations: sortedValues(db.st.conversations),
		Queries:       sortedValues(db.st.queries),
		Responses:     sortedValues(db.st.responses),
		Reactions:     sortedValues(db.st.reactions),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// writeSnapshot replaces path atomically: temp file, fsync, rename.
func writeSnapshot(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".convlink-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (db *DB) load() error {
	data, err := os.ReadFile(db.storage)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", db.storage, err)
	}
	for _, u := range snap.Users {
		db.st.users[u.ID] = u
	}
	for _, c := range snap.Conversations {
		db.st.conversations[c.ID] = c
	}
	for _, q := range snap.Queries {
		db.st.queries[q.ID] = q
	}
	for _, r := range snap.Responses {
		db.st.responses[r.ID] = r
	}
	for _, r := range snap.Reactions {
		db.st.reactions[r.ID] = r
	}
	slog.Info("memory store loaded",
		"path", db.storage,
		"users", len(snap.Users),
		"conversations", len(snap.Conversations),
		"queries", len(snap.Queries),
		"responses", len(snap.Responses))
	return nil
}

type identified interface {
	*store.UserData | *store.ConversationData | *store.QueryData | *store.ResponseData | *store.ReactionData
}

func sortedValues[T identified](m map[uuid.UUID]T) []T {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// --- deep copies so callers never alias stored rows ---

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUser(u *store.UserData) *store.UserData {
	c := *u
	c.Metadata = u.Metadata.Clone()
	return &c
}

func cloneConversation(in *store.ConversationData) *store.ConversationData {
	c := *in
	c.Thread = cloneStr(in.Thread)
	c.Metadata = in.Metadata.Clone()
	return &c
}

func cloneQuery(in *store.QueryData) *store.QueryData {
	c := *in
	c.ExternalMessageID = cloneStr(in.ExternalMessageID)
	c.Metadata = in.Metadata.Clone()
	return &c
}

func cloneResponse(in *store.ResponseData) *store.ResponseData {
	c := *in
	c.ExternalMessageID = cloneStr(in.ExternalMessageID)
	c.Metadata = in.Metadata.Clone()
	if in.Error != nil {
		e := *in.Error
		c.Error = &e
	}
	return &c
}

func cloneReaction(in *store.ReactionData) *store.ReactionData {
	c := *in
	if in.RemovedAt != nil {
		t := *in.RemovedAt
		c.RemovedAt = &t
	}
	return &c
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

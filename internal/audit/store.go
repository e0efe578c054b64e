// Package audit records every event flowing through the engine into an
// append-only log, deduplicated by event id.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/todoflow/todoflow/internal/common/database"
)

// Record is one append-only audit row. PriorState and NewState are the raw
// snapshots carried by the event, stored as JSON.
type Record struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	UserID     uuid.UUID       `json:"user_id"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	PriorState json.RawMessage `json:"prior_state,omitempty"`
	NewState   json.RawMessage `json:"new_state,omitempty"`
	Source     string          `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Store persists audit records. Append must be idempotent on event id:
// appending a record whose event id is already present is a silent no-op.
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Record, error)
	Close() error
}

// PostgresStore is the production audit store.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates an audit store on the given pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// Append inserts the record; a duplicate event id is swallowed by the unique
// index, making redelivered events invisible in the log.
func (s *PostgresStore) Append(ctx context.Context, record *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO events_log (event_id, event_type, user_id, entity_type, entity_id,
			prior_state, new_state, source, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		record.EventID, record.EventType, record.UserID, record.EntityType,
		record.EntityID, record.PriorState, record.NewState, record.Source,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ListByUser returns the user's newest records first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT event_id, event_type, user_id, entity_type, entity_id,
			prior_state, new_state, source, timestamp
		FROM events_log
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EventID, &r.EventType, &r.UserID, &r.EntityType,
			&r.EntityID, &r.PriorState, &r.NewState, &r.Source, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// MemoryStore is the in-memory audit store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	seen    map[uuid.UUID]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[uuid.UUID]bool)}
}

// Close is a no-op for in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Append records the event unless its id was already seen.
func (s *MemoryStore) Append(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[record.EventID] {
		return nil
	}
	s.seen[record.EventID] = true
	stored := *record
	s.records = append(s.records, &stored)
	return nil
}

// ListByUser returns the user's newest records first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*Record
	for _, r := range s.records {
		if r.UserID == userID {
			out := *r
			records = append(records, &out)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Len reports the number of stored records. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Store validates and persists a new memory, returning it with its
// ledger-assigned id. Importance is clamped into [0.0, 1.0]. The created
// and last-accessed timestamps are set by the ledger.
func (l *Ledger) Store(ctx context.Context, m Memory) (Memory, error) {
	if m.OwnerID == "" {
		return Memory{}, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if strings.TrimSpace(m.Content) == "" {
		return Memory{}, fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}
	if m.Category == "" {
		m.Category = CategoryConversation
	}

	m.Importance = clampImportance(m.Importance)

	now := timeNow().UTC()
	m.CreatedAt = now
	m.LastAccessedAt = now

	var contextJSON sql.NullString
	if len(m.Context) > 0 {
		encoded, err := json.Marshal(m.Context)
		if err != nil {
			return Memory{}, fmt.Errorf("marshaling context: %w", err)
		}
		contextJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	var expiresAt sql.NullInt64
	if m.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: m.ExpiresAt.UnixNano(), Valid: true}
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO memories
			(owner_id, category, content, context, importance, created_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.OwnerID,
		m.Category,
		m.Content,
		contextJSON,
		m.Importance,
		now.UnixNano(),
		now.UnixNano(),
		expiresAt,
	)
	if err != nil {
		return Memory{}, fmt.Errorf("inserting memory: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Memory{}, fmt.Errorf("reading inserted id: %w", err)
	}
	m.ID = id

	l.logger.Debug("stored memory",
		zap.Int64("id", m.ID),
		zap.String("owner_id", m.OwnerID),
		zap.String("category", m.Category),
		zap.Float64("importance", m.Importance),
	)

	return m, nil
}

// Get returns the memory with the given id, or ErrMemoryNotFound.
func (l *Ledger) Get(ctx context.Context, id int64) (Memory, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, owner_id, category, content, context, importance, created_at, last_accessed_at, expires_at
		FROM memories WHERE id = ?`, id)

	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, fmt.Errorf("%w: id %d", ErrMemoryNotFound, id)
	}
	if err != nil {
		return Memory{}, fmt.Errorf("querying memory %d: %w", id, err)
	}
	return m, nil
}

// QueryCandidates returns all non-expired memories for the owner that
// match the category filter (empty means all) and minimum importance,
// ordered by (importance desc, last_accessed_at desc). This ordering
// doubles as the deterministic fallback ranking when vector search is
// unavailable.
func (l *Ledger) QueryCandidates(ctx context.Context, ownerID string, categories []string, minImportance float64) ([]Memory, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}

	query := `
		SELECT id, owner_id, category, content, context, importance, created_at, last_accessed_at, expires_at
		FROM memories
		WHERE owner_id = ? AND importance >= ?
		  AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{ownerID, minImportance, timeNow().UTC().UnixNano()}

	if len(categories) > 0 {
		query += " AND category IN (?" + strings.Repeat(", ?", len(categories)-1) + ")"
		for _, c := range categories {
			args = append(args, c)
		}
	}

	query += " ORDER BY importance DESC, last_accessed_at DESC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}

	return memories, nil
}

// Touch updates last_accessed_at to now. Unknown ids are a silent no-op.
func (l *Ledger) Touch(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE memories SET last_accessed_at = ? WHERE id = ?",
		timeNow().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("touching memory %d: %w", id, err)
	}
	return nil
}

// PurgedMemory identifies a removed row so callers can clean up the
// owner's vector-index entry.
type PurgedMemory struct {
	ID      int64
	OwnerID string
}

// PurgeExpired deletes all memories with expires_at <= now and returns
// the removed (id, owner) pairs. Running it twice removes nothing the
// second time.
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) ([]PurgedMemory, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UTC().UnixNano()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, owner_id FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?",
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting expired memories: %w", err)
	}

	var purged []PurgedMemory
	for rows.Next() {
		var p PurgedMemory
		if err := rows.Scan(&p.ID, &p.OwnerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired memory: %w", err)
		}
		purged = append(purged, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating expired memories: %w", err)
	}
	rows.Close()

	if len(purged) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?",
		cutoff,
	); err != nil {
		return nil, fmt.Errorf("deleting expired memories: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}

	l.logger.Info("purged expired memories", zap.Int("count", len(purged)))

	return purged, nil
}

// Delete removes the memory with the given id. Returns false when the
// id is unknown.
func (l *Ledger) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting memory %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected > 0, nil
}

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(s scanner) (Memory, error) {
	var (
		m           Memory
		contextJSON sql.NullString
		createdAt   int64
		accessedAt  int64
		expiresAt   sql.NullInt64
	)

	err := s.Scan(&m.ID, &m.OwnerID, &m.Category, &m.Content, &contextJSON,
		&m.Importance, &createdAt, &accessedAt, &expiresAt)
	if err != nil {
		return Memory{}, err
	}

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &m.Context); err != nil {
			return Memory{}, fmt.Errorf("unmarshaling context: %w", err)
		}
	}

	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.LastAccessedAt = time.Unix(0, accessedAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		m.ExpiresAt = &t
	}

	return m, nil
}

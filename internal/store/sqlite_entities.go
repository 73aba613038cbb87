package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

const insertChangeSQL = `
	INSERT INTO change_log (kind, entity_id, operation, payload, source_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendChange(ctx context.Context, db execContext, kind types.EntityKind, id string, op Operation, payload []byte, sourceID string, at time.Time) error {
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	if _, err := db.ExecContext(ctx, insertChangeSQL, string(kind), id, string(op), p, sourceID, at.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// GetEntity returns the stored entity, or ErrNotFound.
func (s *SQLiteStore) GetEntity(ctx context.Context, kind types.EntityKind, id string) (*EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, data, version, created_at, updated_at
		FROM entities WHERE kind = ? AND id = ?
	`, string(kind), id)

	rec, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

// PutEntity inserts or replaces an entity and records the write in the
// change log within one transaction. The version increments on every write.
func (s *SQLiteStore) PutEntity(ctx context.Context, kind types.EntityKind, entity types.Entity, sourceID string) (*EntityRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, kind)
	}
	id := entity.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	var modified any
	if ms, ok := entity.Timestamp(); ok {
		modified = ms
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, data, version, modified_ms, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			data = excluded.data,
			version = entities.version + 1,
			modified_ms = excluded.modified_ms,
			updated_at = excluded.updated_at
	`, string(kind), id, string(data), modified, nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", err)
	}

	if err := appendChange(ctx, tx, kind, id, OperationUpsert, data, sourceID, now); err != nil {
		return nil, err
	}

	rec, err := scanEntity(tx.QueryRowContext(ctx, `
		SELECT kind, data, version, created_at, updated_at
		FROM entities WHERE kind = ? AND id = ?
	`, string(kind), id))
	if err != nil {
		return nil, fmt.Errorf("read back entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

// DeleteEntity removes an entity, returning ErrNotFound if it is absent.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, kind types.EntityKind, id, sourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := appendChange(ctx, tx, kind, id, OperationDelete, nil, sourceID, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListEntities returns every stored entity of kind ordered by id.
func (s *SQLiteStore) ListEntities(ctx context.Context, kind types.EntityKind) ([]EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, data, version, created_at, updated_at
		FROM entities WHERE kind = ? ORDER BY id ASC
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	records := make([]EntityRecord, 0)
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetChangesAfter returns change log rows with sequence > afterSeq, up to limit.
func (s *SQLiteStore) GetChangesAfter(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, entity_id, operation, payload, source_id, created_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	changes := make([]Change, 0)
	for rows.Next() {
		var c Change
		var kind, op, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&c.Sequence, &kind, &c.EntityID, &op, &payload, &c.SourceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Kind = types.EntityKind(kind)
		c.Operation = Operation(op)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &c.Payload); err != nil {
				return nil, fmt.Errorf("parse change payload: %w", err)
			}
		}
		var parseErr error
		if c.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			slog.Warn("change_log: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// LatestSequence returns the highest change log sequence, or 0 when empty.
func (s *SQLiteStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CheckPushIdempotency returns the cached response for pushID if one was
// recorded and has not expired.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("push_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}
	return []byte(response), true, nil
}

// RecordPushIdempotency caches the response to a processed push.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID string, response []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, response, expires_at)
		VALUES (?, ?, ?)
	`, pushID, string(response), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency rows and returns how
// many were removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

func scanEntity(scanner interface{ Scan(...any) error }) (*EntityRecord, error) {
	var rec EntityRecord
	var kind, data, createdAt, updatedAt string
	if err := scanner.Scan(&kind, &data, &rec.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Kind = types.EntityKind(kind)
	if err := json.Unmarshal([]byte(data), &rec.Entity); err != nil {
		return nil, fmt.Errorf("parse entity JSON: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists and reads audit entries in PostgreSQL. The table is insert-only.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const insertEntry = `
INSERT INTO audit_log (id, actor_id, action, resource, resource_id, diff, outcome, message, metadata, request, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// InsertBatch writes entries in one round trip.
func (s *PGStore) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		diff, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("audit: encode diff: %w", err)
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
		req, err := json.Marshal(e.Request)
		if err != nil {
			return fmt.Errorf("audit: encode request: %w", err)
		}
		batch.Queue(insertEntry, e.ID, e.ActorID, e.Action, e.Resource, optionalText(e.ResourceID),
			diff, string(e.Outcome), optionalText(e.Message), meta, req, e.At)
	}
	results := s.pool.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

// Query returns one page of entries matching filters and the total match count.
func (s *PGStore) Query(ctx context.Context, filters Filters) ([]Entry, int, error) {
	where, args := whereClause(filters)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := (filters.Page - 1) * filters.Limit
	args = append(args, filters.Limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_log%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))
	entries, err := s.collect(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// All returns up to limit entries matching filters, newest first.
func (s *PGStore) All(ctx context.Context, filters Filters, limit int) ([]Entry, error) {
	where, args := whereClause(filters)
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM audit_log%s ORDER BY created_at DESC, id LIMIT $%d`, entryColumns, where, len(args))
	return s.collect(ctx, query, args...)
}

const entryColumns = `id, actor_id, action, resource, resource_id, diff, outcome, message, metadata, request, created_at`

func (s *PGStore) collect(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			id         uuid.UUID
			resourceID pgtype.Text
			message    pgtype.Text
			outcome    string
			diff       []byte
			meta       []byte
			req        []byte
		)
		if err := rows.Scan(&id, &e.ActorID, &e.Action, &e.Resource, &resourceID, &diff, &outcome, &message, &meta, &req, &e.At); err != nil {
			return nil, err
		}
		e.ID = id
		e.ResourceID = resourceID.String
		e.Message = message.String
		e.Outcome = Outcome(outcome)
		if err := decodeJSON(diff, &e.Diff); err != nil {
			return nil, fmt.Errorf("audit: decode diff: %w", err)
		}
		if err := decodeJSON(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode metadata: %w", err)
		}
		if err := decodeJSON(req, &e.Request); err != nil {
			return nil, fmt.Errorf("audit: decode request: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func whereClause(filters Filters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filters.ActorID != nil {
		add("actor_id = $%d", *filters.ActorID)
	}
	if v := strings.TrimSpace(filters.Action); v != "" {
		add("action = $%d", v)
	}
	if v := strings.TrimSpace(filters.Resource); v != "" {
		add("resource = $%d", v)
	}
	if !filters.From.IsZero() {
		add("created_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("created_at < $%d", filters.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

var _ Store = (*PGStore)(nil)

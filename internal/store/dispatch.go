// ABOUTME: Dispatch ledger store methods for recording what operators sent to agents
// ABOUTME: Records are append-only and listed newest first

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordDispatch appends a dispatch to the ledger.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, r *DispatchRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	runJSON, err := marshalList(r.Run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	queryJSON, err := marshalList(r.Query)
	if err != nil {
		return fmt.Errorf("marshaling query: %w", err)
	}
	failedJSON, err := marshalList(r.Failures)
	if err != nil {
		return fmt.Errorf("marshaling failures: %w", err)
	}
	set := r.Set
	if set == nil {
		set = map[string]string{}
	}
	setJSON, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshaling set: %w", err)
	}

	var source *string
	if r.Source != "" {
		source = &r.Source
	}

	query := `
		INSERT INTO dispatches (dispatch_id, scope, selector, source, run_json, query_json, set_json,
			matched, delivered, failed_json, no_match, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.Scope,
		r.Selector,
		source,
		runJSON,
		queryJSON,
		string(setJSON),
		r.Matched,
		r.Delivered,
		failedJSON,
		r.NoMatch,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting dispatch: %w", err)
	}

	s.logger.Debug("recorded dispatch",
		"id", r.ID,
		"scope", r.Scope,
		"selector", r.Selector,
		"delivered", r.Delivered,
		"matched", r.Matched,
	)
	return nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const dispatchColumns = `dispatch_id, scope, selector, source, run_json, query_json, set_json,
	matched, delivered, failed_json, no_match, created_at`

// scanDispatch scans a row into a DispatchRecord.
func scanDispatch(scanner interface{ Scan(dest ...any) error }) (*DispatchRecord, error) {
	var r DispatchRecord
	var source sql.NullString
	var runJSON, queryJSON, setJSON, failedJSON, createdAt string

	if err := scanner.Scan(
		&r.ID,
		&r.Scope,
		&r.Selector,
		&source,
		&runJSON,
		&queryJSON,
		&setJSON,
		&r.Matched,
		&r.Delivered,
		&failedJSON,
		&r.NoMatch,
		&createdAt,
	); err != nil {
		return nil, fmt.Errorf("scanning dispatch: %w", err)
	}

	r.Source = source.String
	if err := json.Unmarshal([]byte(runJSON), &r.Run); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}
	if err := json.Unmarshal([]byte(queryJSON), &r.Query); err != nil {
		return nil, fmt.Errorf("unmarshaling query: %w", err)
	}
	if err := json.Unmarshal([]byte(setJSON), &r.Set); err != nil {
		return nil, fmt.Errorf("unmarshaling set: %w", err)
	}
	if err := json.Unmarshal([]byte(failedJSON), &r.Failures); err != nil {
		return nil, fmt.Errorf("unmarshaling failures: %w", err)
	}

	var err error
	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &r, nil
}

// GetDispatch returns a single ledger record.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE dispatch_id = ?`, id)
	r, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// normalizeDispatchLimit applies default (50) and cap (500) to the limit.
func normalizeDispatchLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

const listDispatchesQuery = `
	SELECT ` + dispatchColumns + `
	FROM dispatches
	WHERE (? = '' OR scope = ?)
	  AND (? = '' OR selector = ?)
	  AND (? IS NULL OR created_at >= ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListDispatches returns ledger records matching f, newest first.
func (s *SQLiteStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]*DispatchRecord, error) {
	var since *string
	if f.Since != nil {
		v := f.Since.UTC().Format(time.RFC3339)
		since = &v
	}

	rows, err := s.db.QueryContext(ctx, listDispatchesQuery,
		f.Scope, f.Scope,
		f.Selector, f.Selector,
		since, since,
		normalizeDispatchLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying dispatches: %w", err)
	}
	defer rows.Close()

	var out []*DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispatches: %w", err)
	}
	return out, nil
}

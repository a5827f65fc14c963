// ABOUTME: Store interface and data types for the dispatch audit ledger
// ABOUTME: Defines DispatchRecord, DispatchFilter and the DispatchStore interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DispatchRecord is one command an operator sent through the relay and what
// became of it. Records are write-once.
type DispatchRecord struct {
	ID        string            `json:"id"`
	Scope     string            `json:"scope"`
	Selector  string            `json:"selector"`
	Source    string            `json:"source,omitempty"` // who issued it, e.g. "matrix:@ops:example.org"
	Run       []string          `json:"run"`
	Query     []string          `json:"query"`
	Set       map[string]string `json:"set"`
	Matched   int               `json:"matched"`
	Delivered int               `json:"delivered"`
	Failures  []string          `json:"failures"` // connection ids
	NoMatch   bool              `json:"no_match"`
	CreatedAt time.Time         `json:"created_at"`
}

// DispatchFilter narrows ListDispatches.
type DispatchFilter struct {
	Scope    string     // exact scope, empty for all
	Selector string     // exact selector, empty for all
	Since    *time.Time // records at or after this time
	Limit    int        // max results (default 50, max 500)
}

// DispatchStore persists the audit ledger.
type DispatchStore interface {
	RecordDispatch(ctx context.Context, r *DispatchRecord) error
	GetDispatch(ctx context.Context, id string) (*DispatchRecord, error)
	ListDispatches(ctx context.Context, f DispatchFilter) ([]*DispatchRecord, error)
	Close() error
}

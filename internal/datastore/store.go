// Package datastore loads normalized records into a structured record store
// and holds the store clients.
package datastore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Delete when the resource has no table.
var ErrNotFound = errors.New("datastore: resource not found")

// Field is a column definition.
type Field struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Record maps field ids to values; values are nil or strings.
type Record map[string]any

// SearchQuery selects records of one resource ordered by _id.
type SearchQuery struct {
	ResourceID string
	Limit      int
	Offset     int
}

// SearchResult is a page of records.
type SearchResult struct {
	Fields  []Field  `json:"fields"`
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

// Store is a record store with schema and record semantics. Records get an
// auto-assigned _id in insert order.
type Store interface {
	Delete(ctx context.Context, resourceID string) error
	Create(ctx context.Context, resourceID string, fields []Field, records []Record) error
	Upsert(ctx context.Context, resourceID string, records []Record) error
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}

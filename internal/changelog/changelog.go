// Package changelog carries committed mutations from the storage layer to
// live subscribers. Storage assigns each mutation a monotonic sequence
// inside its transaction; the broker only fans entries out, it never
// invents ordering.
package changelog

import (
	"time"
)

// Op is the mutation kind recorded in an entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entry is one committed mutation. Entries are immutable once published.
type Entry struct {
	Seq      int64          `json:"seq"`
	Resource string         `json:"resource"`
	RecordID string         `json:"recordId"`
	Op       Op             `json:"op"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Package rowtracker counts the rows a reader callback consumes.
package rowtracker

import "github.com/gaborage/go-bricks-txn/database/types"

// Rows wraps a result set and counts successful Next calls.
type Rows struct {
	rows  types.Rows
	count int64
}

// Wrap returns a counting wrapper around rows. A nil rows is returned as a
// wrapper that reports no rows.
func Wrap(rows types.Rows) *Rows {
	return &Rows{rows: rows}
}

// Next advances the underlying result set.
func (r *Rows) Next() bool {
	if r.rows == nil {
		return false
	}
	if r.rows.Next() {
		r.count++
		return true
	}
	return false
}

func (r *Rows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *Rows) Err() error {
	if r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

// Count reports how many rows Next has produced so far.
func (r *Rows) Count() int64 {
	return r.count
}

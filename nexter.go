package ingester

import (
	"sync/atomic"
)

// Nexter hands out monotonically increasing ids and is safe for concurrent
// use.
type Nexter struct {
	id *int64
}

// NexterOption configures a Nexter.
type NexterOption func(n *Nexter)

// NexterStartFrom makes the first id handed out start.
func NexterStartFrom(start int64) NexterOption {
	return func(n *Nexter) {
		*n.id = start
	}
}

// NewNexter returns a Nexter whose first id is 1 unless otherwise configured.
func NewNexter(opts ...NexterOption) *Nexter {
	id := int64(1)
	n := &Nexter{
		id: &id,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Next returns a new id.
func (n *Nexter) Next() (nextID int64) {
	nextID = atomic.AddInt64(n.id, 1)
	return nextID - 1
}

// Last returns the most recently handed out id.
func (n *Nexter) Last() (lastID int64) {
	lastID = atomic.LoadInt64(n.id) - 1
	return
}

// Reset makes the next id handed out start again from 1.
func (n *Nexter) Reset() {
	atomic.StoreInt64(n.id, 1)
}

// Package store defines the durable claim-queue key/value interface the
// pipeline persists to. The only production backend is store/pebblestore.
package store

import "github.com/vocdoni/faucetd/claim"

// ClaimStore is the narrow durable queue interface the pipeline consults:
// it restores the queue at startup and is kept in sync on every enqueue and
// dequeue. Order of entries returned by LoadQueue defines initial queueIdx
// assignment.
type ClaimStore interface {
	// LoadQueue returns every queued claim record in the order they were
	// originally added.
	LoadQueue() ([]claim.Record, error)
	// Add persists a newly queued claim.
	Add(r claim.Record) error
	// Remove deletes a claim by session id. It is called both when a claim
	// fails before submission and once it has been submitted (moved out of
	// the queue into the pending map), since the durable store only tracks
	// claims still in QUEUE state.
	Remove(session string) error
	// Close releases the underlying storage handle.
	Close() error
}

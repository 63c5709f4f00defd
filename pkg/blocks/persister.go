package blocks

import (
	"context"
	"fmt"
)

// Persister is the persistence sink for blocks and messages. Writes for
// partial (streaming) content are eventually consistent and the Manager does
// not await acknowledgment for them; the mandatory finalize flush is
// synchronous and its failure propagates.
type Persister interface {
	PutBlock(ctx context.Context, b *Block) error
	UpdateBlock(ctx context.Context, b *Block) error
	PutMessage(ctx context.Context, m *Message) error
	UpdateMessage(ctx context.Context, m *Message) error
}

// PersistenceError reports a failed mandatory write. Throttled partial
// writes never produce it; they are logged and retried at the next tick.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s %s: %v", e.Op, e.ID, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

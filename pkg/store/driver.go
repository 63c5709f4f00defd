// Package store defines the persistence driver interface for blocks and
// messages. Drivers extend the write-side Persister consumed by the block
// manager with the read side used by the API and by bulk export.
package store

import (
	"context"

	"github.com/loomworksco/loom/pkg/blocks"
)

// Driver persists and retrieves blocks and messages in a storage backend.
type Driver interface {
	blocks.Persister

	// GetBlock retrieves a block by id.
	GetBlock(ctx context.Context, id string) (*blocks.Block, error)

	// ListBlocks returns the blocks owned by a message in document order.
	ListBlocks(ctx context.Context, messageID string) ([]*blocks.Block, error)

	// GetMessage retrieves a message by id.
	GetMessage(ctx context.Context, id string) (*blocks.Message, error)

	// ListMessages returns all messages ordered by creation time.
	ListMessages(ctx context.Context) ([]*blocks.Message, error)

	// Close closes the store and releases any resources.
	Close() error
}

// NotFoundError is returned when a block or message doesn't exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return e.Kind + " not found: " + e.ID
}

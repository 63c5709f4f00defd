// Package inmemory provides a map-backed store driver. It is the default
// for tests and for running without configured storage.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/store"
)

// Driver implements store.Driver using in-memory maps.
type Driver struct {
	mu sync.RWMutex

	messages map[string]*blocks.Message
	blocks   map[string]*blocks.Block

	// order preserves block insertion order per message.
	order map[string][]string
}

// NewDriver creates an empty in-memory store.
func NewDriver() *Driver {
	return &Driver{
		messages: make(map[string]*blocks.Message),
		blocks:   make(map[string]*blocks.Block),
		order:    make(map[string][]string),
	}
}

func (d *Driver) PutBlock(_ context.Context, b *blocks.Block) error {
	if b == nil {
		return errors.New("cannot store nil block")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.blocks[b.ID]; !exists {
		d.order[b.MessageID] = append(d.order[b.MessageID], b.ID)
	}
	d.blocks[b.ID] = b.Clone()
	return nil
}

func (d *Driver) UpdateBlock(_ context.Context, b *blocks.Block) error {
	if b == nil {
		return errors.New("cannot store nil block")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.blocks[b.ID]; !exists {
		// Partial writes are eventually consistent; an update racing ahead
		// of its create degrades to an insert.
		d.order[b.MessageID] = append(d.order[b.MessageID], b.ID)
	}
	d.blocks[b.ID] = b.Clone()
	return nil
}

func (d *Driver) PutMessage(_ context.Context, m *blocks.Message) error {
	if m == nil {
		return errors.New("cannot store nil message")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[m.ID] = m.Clone()
	return nil
}

func (d *Driver) UpdateMessage(_ context.Context, m *blocks.Message) error {
	return d.PutMessage(context.Background(), m)
}

func (d *Driver) GetBlock(_ context.Context, id string) (*blocks.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.blocks[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "block", ID: id}
	}
	return b.Clone(), nil
}

func (d *Driver) ListBlocks(_ context.Context, messageID string) ([]*blocks.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.order[messageID]
	out := make([]*blocks.Block, 0, len(ids))
	for _, id := range ids {
		if b, ok := d.blocks[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func (d *Driver) GetMessage(_ context.Context, id string) (*blocks.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.messages[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	return m.Clone(), nil
}

func (d *Driver) ListMessages(_ context.Context) ([]*blocks.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*blocks.Message, 0, len(d.messages))
	for _, m := range d.messages {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *Driver) Close() error {
	return nil
}

var _ store.Driver = (*Driver)(nil)

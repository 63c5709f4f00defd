// Package blocks materializes a translated chunk stream into persisted,
// typed message blocks. A block is a contiguous run of same-kind content
// within an assistant message; the Manager decides when a chunk continues
// the active block and when it closes the block and opens a new one, and it
// coordinates throttled partial persistence with guaranteed final flushes.
package blocks

import (
	"time"

	"github.com/google/uuid"
)

// Kind is a block's content kind. A block never changes kind in place; a
// kind switch always closes the current block and opens a new one.
type Kind string

const (
	KindText      Kind = "text"
	KindReasoning Kind = "reasoning"
	KindToolCall  Kind = "tool-call"
	KindImage     Kind = "image"
	KindError     Kind = "error"
)

// Status is a block or message lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// ToolCall is the structured payload of a tool-call block.
type ToolCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result,omitempty"`
}

// ImageRef is the structured payload of an image block.
type ImageRef struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Block is a persisted, mutable unit of message content. Its ID is opaque
// and stable for the block's lifetime.
type Block struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Content   string    `json:"content,omitempty"`
	ToolCall  *ToolCall `json:"tool_call,omitempty"`
	Image     *ImageRef `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to asynchronous persistence.
func (b *Block) Clone() *Block {
	out := *b
	if b.ToolCall != nil {
		tc := *b.ToolCall
		out.ToolCall = &tc
	}
	if b.Image != nil {
		img := *b.Image
		img.Data = append([]byte(nil), b.Image.Data...)
		out.Image = &img
	}
	return &out
}

// Message is the owning aggregate for a stream's blocks. Its block list is
// append-only during streaming; blocks are never deleted by this engine.
type Message struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	BlockIDs  []string          `json:"block_ids"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to asynchronous persistence.
func (m *Message) Clone() *Message {
	out := *m
	out.BlockIDs = append([]string(nil), m.BlockIDs...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// NewMessage creates a streaming message with a fresh id.
func NewMessage() *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        uuid.NewString(),
		Status:    StatusStreaming,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// newBlock creates a pending block owned by messageID.
func newBlock(messageID string, kind Kind) *Block {
	now := time.Now().UTC()
	return &Block{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

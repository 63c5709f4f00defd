// Package sqlcommon implements the store driver operations shared by the
// SQLite and PostgreSQL backends on top of database/sql. It is
// database-agnostic and embedded by the specific drivers, which own schema
// creation and connection setup.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/store"
)

// Dialect selects placeholder style for the underlying database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store provides store.Driver operations over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db with the given dialect.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for driver-specific setup.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts ?-style placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) PutBlock(ctx context.Context, b *blocks.Block) error {
	return s.upsertBlock(ctx, b)
}

func (s *Store) UpdateBlock(ctx context.Context, b *blocks.Block) error {
	// Partial writes are eventually consistent: an update racing ahead of
	// its create degrades to an insert, so both paths upsert.
	return s.upsertBlock(ctx, b)
}

func (s *Store) upsertBlock(ctx context.Context, b *blocks.Block) error {
	if b == nil {
		return errors.New("cannot store nil block")
	}

	toolCall, err := marshalNullable(b.ToolCall)
	if err != nil {
		return fmt.Errorf("marshaling tool call: %w", err)
	}
	image, err := marshalNullable(b.Image)
	if err != nil {
		return fmt.Errorf("marshaling image: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO blocks (id, message_id, kind, status, content, tool_call, image, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			tool_call = excluded.tool_call,
			image = excluded.image,
			updated_at = excluded.updated_at`),
		b.ID, b.MessageID, string(b.Kind), string(b.Status), b.Content,
		toolCall, image, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting block: %w", err)
	}
	return nil
}

func (s *Store) PutMessage(ctx context.Context, m *blocks.Message) error {
	return s.upsertMessage(ctx, m)
}

func (s *Store) UpdateMessage(ctx context.Context, m *blocks.Message) error {
	return s.upsertMessage(ctx, m)
}

func (s *Store) upsertMessage(ctx context.Context, m *blocks.Message) error {
	if m == nil {
		return errors.New("cannot store nil message")
	}

	blockIDs, err := json.Marshal(m.BlockIDs)
	if err != nil {
		return fmt.Errorf("marshaling block ids: %w", err)
	}
	metadata, err := marshalNullable(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, status, block_ids, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			block_ids = excluded.block_ids,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`),
		m.ID, string(m.Status), string(blockIDs), metadata, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting message: %w", err)
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (*blocks.Block, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, message_id, kind, status, content, tool_call, image, created_at, updated_at
		FROM blocks WHERE id = ?`), id)

	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "block", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying block: %w", err)
	}
	return b, nil
}

func (s *Store) ListBlocks(ctx context.Context, messageID string) ([]*blocks.Block, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, message_id, kind, status, content, tool_call, image, created_at, updated_at
		FROM blocks WHERE message_id = ?
		ORDER BY created_at, id`), messageID)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var out []*blocks.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*blocks.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, status, block_ids, metadata, created_at, updated_at
		FROM messages WHERE id = ?`), id)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context) ([]*blocks.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, block_ids, metadata, created_at, updated_at
		FROM messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*blocks.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(sc scanner) (*blocks.Block, error) {
	var b blocks.Block
	var kind, status string
	var toolCall, image sql.NullString

	if err := sc.Scan(&b.ID, &b.MessageID, &kind, &status, &b.Content,
		&toolCall, &image, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	b.Kind = blocks.Kind(kind)
	b.Status = blocks.Status(status)

	if toolCall.Valid && toolCall.String != "" {
		b.ToolCall = &blocks.ToolCall{}
		if err := json.Unmarshal([]byte(toolCall.String), b.ToolCall); err != nil {
			return nil, fmt.Errorf("unmarshaling tool call: %w", err)
		}
	}
	if image.Valid && image.String != "" {
		b.Image = &blocks.ImageRef{}
		if err := json.Unmarshal([]byte(image.String), b.Image); err != nil {
			return nil, fmt.Errorf("unmarshaling image: %w", err)
		}
	}

	return &b, nil
}

func scanMessage(sc scanner) (*blocks.Message, error) {
	var m blocks.Message
	var status, blockIDs string
	var metadata sql.NullString

	if err := sc.Scan(&m.ID, &status, &blockIDs, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}

	m.Status = blocks.Status(status)
	if err := json.Unmarshal([]byte(blockIDs), &m.BlockIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling block ids: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}

	return &m, nil
}

// marshalNullable encodes v to JSON, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *blocks.ToolCall:
		if val == nil {
			return nil, nil
		}
	case *blocks.ImageRef:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

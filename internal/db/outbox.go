// Package db persists messages that failed to send, so they survive a
// restart and can be retried. SQLite and PostgreSQL are supported.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // sqlite driver

	"inboxsync/internal/models"
)

// Open connects to dsn. postgres:// and postgresql:// URLs use PostgreSQL;
// anything else is a SQLite path.
func Open(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer; also keeps :memory: databases on a single connection.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

const schema = `CREATE TABLE IF NOT EXISTS outbox_messages (
	client_message_id TEXT PRIMARY KEY,
	conversation_id BIGINT NOT NULL,
	payload TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// OutboxStore keeps failed messages keyed by their provisional id.
type OutboxStore struct {
	db *sqlx.DB
}

// NewOutboxStore creates the table when missing.
func NewOutboxStore(conn *sqlx.DB) (*OutboxStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate outbox table: %w", err)
	}
	log.Info().Msg("Database migration completed successfully for outbox.")
	return &OutboxStore{db: conn}, nil
}

type outboxRow struct {
	ClientMessageID string `db:"client_message_id"`
	ConversationID  int64  `db:"conversation_id"`
	Payload         string `db:"payload"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

// outboxPayload carries the attachment bytes that models.Attachment does
// not serialize.
type outboxPayload struct {
	Message        models.Message `json:"message"`
	AttachmentData [][]byte       `json:"attachmentData,omitempty"`
}

// Save inserts or replaces msg.
func (s *OutboxStore) Save(ctx context.Context, msg models.Message) error {
	if msg.ClientMessageID == "" {
		return fmt.Errorf("outbox message without client message id")
	}
	p := outboxPayload{Message: msg}
	for _, att := range msg.Attachments {
		p.AttachmentData = append(p.AttachmentData, att.Data)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal outbox message: %w", err)
	}
	now := time.Now().UnixMilli()
	created := msg.CreatedAt.UnixMilli()
	if msg.CreatedAt.IsZero() {
		created = now
	}
	query := s.db.Rebind(`INSERT INTO outbox_messages (client_message_id, conversation_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_message_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, msg.ClientMessageID, msg.ConversationID, string(payload), created, now); err != nil {
		log.Error().Err(err).Str("clientMessageID", msg.ClientMessageID).Msg("Failed to save outbox message")
		return fmt.Errorf("save outbox message: %w", err)
	}
	return nil
}

// Delete removes a message. Deleting a missing id is not an error.
func (s *OutboxStore) Delete(ctx context.Context, clientMessageID string) error {
	query := s.db.Rebind(`DELETE FROM outbox_messages WHERE client_message_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, clientMessageID); err != nil {
		return fmt.Errorf("delete outbox message: %w", err)
	}
	return nil
}

// List returns every stored message, oldest first.
func (s *OutboxStore) List(ctx context.Context) ([]models.Message, error) {
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows, `SELECT client_message_id, conversation_id, payload, created_at, updated_at
		FROM outbox_messages ORDER BY created_at, client_message_id`)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		var p outboxPayload
		if err := json.Unmarshal([]byte(row.Payload), &p); err != nil {
			log.Error().Err(err).Str("clientMessageID", row.ClientMessageID).Msg("Skipping unreadable outbox message")
			continue
		}
		for i := range p.Message.Attachments {
			if i < len(p.AttachmentData) {
				p.Message.Attachments[i].Data = p.AttachmentData[i]
			}
		}
		out = append(out, p.Message)
	}
	return out, nil
}

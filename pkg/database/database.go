package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// DefaultPageSize is how many messages a history page holds.
const DefaultPageSize = 100

// DB wraps the SQLite message archive.
type DB struct {
	conn        *sql.DB // read pool
	writeConn   *sql.DB // single writer
	WriteBuffer *WriteBuffer
}

// Open opens the SQLite archive at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Reads fan out over a pool; WAL lets them run alongside the writer.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite allows one writer at a time, so all inserts go through a
	// dedicated single-connection handle.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return nil
}

// Close flushes pending writes and closes both connections.
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Stop()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates the messages table and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	target TEXT NOT NULL,
	content TEXT NOT NULL,
	message_type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(message_type, target, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(message_type, sender_id, created_at DESC);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// Message is one archived envelope row.
type Message struct {
	ID          int64
	SenderID    string
	SenderName  string
	Target      string
	Content     string
	MessageType string
	CreatedAt   int64 // Unix milliseconds
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// AppendMessage queues an envelope for archival. Only chat content is
// archived; callers filter out control traffic before appending. The write
// lands within one flush interval.
func (db *DB) AppendMessage(env *protocol.Envelope) {
	createdAt := env.CreatedAt.UnixMilli()
	if env.CreatedAt.IsZero() {
		createdAt = nowMillis()
	}
	db.WriteBuffer.Append(&Message{
		SenderID:    env.From,
		SenderName:  env.FromDisplayName,
		Target:      env.To,
		Content:     env.Content,
		MessageType: string(env.Type),
		CreatedAt:   createdAt,
	})
}

// insertMessages writes a batch of rows in a single transaction. Only the
// write buffer's flusher calls this.
func (db *DB) insertMessages(batch []*Message) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO messages (sender_id, sender_name, target, content, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.Exec(m.SenderID, m.SenderName, m.Target, m.Content, m.MessageType, m.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	return tx.Commit()
}

// GroupMessagePage returns one page of a group's archived messages, newest
// first. Page 0 is the most recent page. An unknown group or a page past
// the end returns an empty slice.
func (db *DB) GroupMessagePage(group string, page int) ([]*protocol.Envelope, error) {
	db.WriteBuffer.Flush()

	rows, err := db.conn.Query(`SELECT id, sender_id, sender_name, target, content, message_type, created_at
		FROM messages
		WHERE message_type = ? AND target = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		string(protocol.TypeGroupMessage), group, DefaultPageSize, page*DefaultPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query group history: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// PrivateMessagePage returns one page of the conversation between two
// identities, newest first, covering both directions.
func (db *DB) PrivateMessagePage(a, b string, page int) ([]*protocol.Envelope, error) {
	db.WriteBuffer.Flush()

	rows, err := db.conn.Query(`SELECT id, sender_id, sender_name, target, content, message_type, created_at
		FROM messages
		WHERE message_type = ?
		AND ((sender_id = ? AND target = ?) OR (sender_id = ? AND target = ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		string(protocol.TypePrivateMessage), a, b, b, a, DefaultPageSize, page*DefaultPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query private history: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// MessageCount reports the number of archived rows. Used by the metrics
// loop and tests.
func (db *DB) MessageCount() (int64, error) {
	db.WriteBuffer.Flush()

	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

func scanEnvelopes(rows *sql.Rows) ([]*protocol.Envelope, error) {
	envelopes := []*protocol.Envelope{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Target, &m.Content, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		envelopes = append(envelopes, &protocol.Envelope{
			From:            m.SenderID,
			FromDisplayName: m.SenderName,
			To:              m.Target,
			Content:         m.Content,
			Type:            protocol.MessageType(m.MessageType),
			CreatedAt:       time.UnixMilli(m.CreatedAt).UTC(),
		})
	}
	return envelopes, rows.Err()
}

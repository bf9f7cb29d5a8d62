package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelDeactivated indicates the channel no longer accepts messages.
	ErrChannelDeactivated = errors.New("channel is deactivated")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrParentNotFound indicates the reply target does not exist.
	ErrParentNotFound = errors.New("parent message not found")
	// ErrParentChannelMismatch indicates a reply pointing outside its own channel.
	ErrParentChannelMismatch = errors.New("parent message belongs to a different channel")
	// ErrNotificationNotFound indicates the notification does not exist.
	ErrNotificationNotFound = errors.New("notification not found")
)

// Channel kinds
const (
	ChannelBroadcast = "broadcast"
	ChannelDirect    = "direct"
	ChannelGroup     = "group"
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
	feed      *Feed
}

// Channel represents a channel record. Channels are never deleted, only
// deactivated.
type Channel struct {
	ID             int64
	Name           string
	Kind           string // broadcast, direct, group
	RetentionHours uint32 // 0 = keep forever
	CreatedAt      int64  // Unix timestamp in milliseconds
	DeactivatedAt  *int64
}

// Message represents a message record
type Message struct {
	ID        int64
	ChannelID int64
	ParentID  *int64
	AuthorID  int64
	Content   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// ReadMark records that a user has seen a message. At most one row per
// (message, user); writes are upserts with last-write-wins on the timestamp.
type ReadMark struct {
	MessageID int64
	UserID    int64
	ReadAt    int64
}

// Notification represents a direct notification row
type Notification struct {
	ID          int64
	RecipientID int64
	Kind        string
	Body        string
	Read        bool
	CreatedAt   int64
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, writes funneled through writeConn
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 write connection, never recycled
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	// Snowflake ID generator (epoch: 2024-01-01, workerID: 0)
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
		feed:      NewFeed(),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// applyPragmas configures a SQLite connection for concurrent access
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connections and shuts down the change feed
func (db *DB) Close() error {
	db.feed.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// Feed returns the store's change feed
func (db *DB) Feed() *Feed {
	return db.feed
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Channel table
CREATE TABLE IF NOT EXISTS Channel (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL DEFAULT 'broadcast',
	retention_hours INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	deactivated_at INTEGER
);

-- Channel membership (who receives fan-out for the channel)
CREATE TABLE IF NOT EXISTS ChannelMember (
	channel_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (channel_id, user_id),
	FOREIGN KEY (channel_id) REFERENCES Channel(id) ON DELETE CASCADE
);

-- Message table (uses Snowflake IDs, ordered by creation)
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY,
	channel_id INTEGER NOT NULL,
	parent_id INTEGER,
	author_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES Channel(id) ON DELETE CASCADE,
	FOREIGN KEY (parent_id) REFERENCES Message(id) ON DELETE CASCADE
);

-- ReadMark table: one row per (message, user), upsert semantics
CREATE TABLE IF NOT EXISTS ReadMark (
	message_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	read_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY (message_id) REFERENCES Message(id) ON DELETE CASCADE
);

-- Notification table
CREATE TABLE IF NOT EXISTS Notification (
	id INTEGER PRIMARY KEY,
	recipient_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_messages_channel ON Message(channel_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON Message(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_readmarks_user ON ReadMark(user_id);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON Notification(recipient_id, read);
`

	_, err := db.conn.Exec(schema)
	return err
}

// SeedDefaultChannels creates the default broadcast channels if the
// channel table is empty
func (db *DB) SeedDefaultChannels() error {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM Channel").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := []string{"general", "random"}
	for _, name := range defaults {
		if _, err := db.CreateChannel(name, ChannelBroadcast, 0); err != nil {
			return fmt.Errorf("failed to seed channel %q: %w", name, err)
		}
	}
	return nil
}

// CreateChannel creates a new channel
func (db *DB) CreateChannel(name, kind string, retentionHours uint32) (int64, error) {
	now := time.Now().UnixMilli()
	result, err := db.writeConn.Exec(
		"INSERT INTO Channel (name, kind, retention_hours, created_at) VALUES (?, ?, ?, ?)",
		name, kind, retentionHours, now,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// DeactivateChannel marks a channel as deactivated. Channels are never
// deleted; a deactivated channel rejects new messages but keeps history.
func (db *DB) DeactivateChannel(channelID int64) error {
	result, err := db.writeConn.Exec(
		"UPDATE Channel SET deactivated_at = ? WHERE id = ? AND deactivated_at IS NULL",
		time.Now().UnixMilli(), channelID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Already deactivated or missing; distinguish for the caller
		exists, err := db.ChannelExists(channelID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrChannelNotFound
		}
	}
	return nil
}

// GetChannel returns a channel by ID
func (db *DB) GetChannel(channelID int64) (*Channel, error) {
	ch := &Channel{}
	err := db.conn.QueryRow(
		"SELECT id, name, kind, retention_hours, created_at, deactivated_at FROM Channel WHERE id = ?",
		channelID,
	).Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.RetentionHours, &ch.CreatedAt, &ch.DeactivatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ListChannels returns all channels, active first, newest last
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, kind, retention_hours, created_at, deactivated_at FROM Channel ORDER BY deactivated_at IS NOT NULL, created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.RetentionHours, &ch.CreatedAt, &ch.DeactivatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ChannelExists checks whether a channel exists
func (db *DB) ChannelExists(channelID int64) (bool, error) {
	var one int
	err := db.conn.QueryRow("SELECT 1 FROM Channel WHERE id = ?", channelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember adds a user to a channel's membership. Idempotent.
func (db *DB) AddMember(channelID, userID int64) error {
	_, err := db.writeConn.Exec(
		"INSERT INTO ChannelMember (channel_id, user_id, added_at) VALUES (?, ?, ?) ON CONFLICT (channel_id, user_id) DO NOTHING",
		channelID, userID, time.Now().UnixMilli(),
	)
	return err
}

// RemoveMember removes a user from a channel's membership
func (db *DB) RemoveMember(channelID, userID int64) error {
	_, err := db.writeConn.Exec(
		"DELETE FROM ChannelMember WHERE channel_id = ? AND user_id = ?",
		channelID, userID,
	)
	return err
}

// Members returns the user IDs eligible to receive fan-out for a channel
func (db *DB) Members(channelID int64) ([]int64, error) {
	rows, err := db.conn.Query(
		"SELECT user_id FROM ChannelMember WHERE channel_id = ? ORDER BY user_id",
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// IsMember checks channel membership
func (db *DB) IsMember(channelID, userID int64) (bool, error) {
	var one int
	err := db.conn.QueryRow(
		"SELECT 1 FROM ChannelMember WHERE channel_id = ? AND user_id = ?",
		channelID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostMessage inserts a message and publishes it on the change feed.
// localID is a client-side reconciliation tag; it rides the feed event but
// is never persisted.
func (db *DB) PostMessage(channelID int64, parentID *int64, authorID int64, content, localID string) (*Message, error) {
	ch, err := db.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch.DeactivatedAt != nil {
		return nil, ErrChannelDeactivated
	}

	// A reply's parent must exist and belong to the same channel
	if parentID != nil {
		parent, err := db.GetMessage(*parentID)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return nil, ErrParentNotFound
			}
			return nil, err
		}
		if parent.ChannelID != channelID {
			return nil, ErrParentChannelMismatch
		}
	}

	msg := &Message{
		ID:        db.snowflake.Next(),
		ChannelID: channelID,
		ParentID:  parentID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}

	_, err = db.writeConn.Exec(
		"INSERT INTO Message (id, channel_id, parent_id, author_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChannelID, msg.ParentID, msg.AuthorID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	db.feed.Publish(ChangeEvent{
		Op:      OpMessageInsert,
		Message: msg,
		LocalID: localID,
	})

	return msg, nil
}

// GetMessage returns a message by ID
func (db *DB) GetMessage(messageID int64) (*Message, error) {
	msg := &Message{}
	err := db.conn.QueryRow(
		"SELECT id, channel_id, parent_id, author_id, content, created_at FROM Message WHERE id = ?",
		messageID,
	).Scan(&msg.ID, &msg.ChannelID, &msg.ParentID, &msg.AuthorID, &msg.Content, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages in a channel, newest first,
// optionally only those created before beforeID. Used by client backfill
// on reconnect (the polling path that bounds push-delivery staleness).
func (db *DB) ListMessages(channelID int64, limit int, beforeID *int64) ([]*Message, error) {
	query := "SELECT id, channel_id, parent_id, author_id, content, created_at FROM Message WHERE channel_id = ?"
	args := []interface{}{channelID}
	if beforeID != nil {
		query += " AND id < ?"
		args = append(args, *beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.ParentID, &msg.AuthorID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead upserts a ReadMark for (message, user). Idempotent: calling it
// twice leaves exactly one row, and concurrent calls from multiple tabs
// converge on the same end state.
func (db *DB) MarkRead(messageID, userID int64) error {
	exists, err := db.messageExists(messageID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrMessageNotFound
	}

	_, err = db.writeConn.Exec(
		`INSERT INTO ReadMark (message_id, user_id, read_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = excluded.read_at`,
		messageID, userID, time.Now().UnixMilli(),
	)
	return err
}

// MarkAllRead upserts ReadMarks for every message currently unread by the
// user in the channel, excluding the user's own messages. Messages that
// arrive while the statement runs are not covered; that race is accepted.
// Returns the number of newly covered messages.
func (db *DB) MarkAllRead(channelID, userID int64) (int64, error) {
	result, err := db.writeConn.Exec(
		`INSERT INTO ReadMark (message_id, user_id, read_at)
		 SELECT m.id, ?, ?
		 FROM Message m
		 WHERE m.channel_id = ?
		   AND m.author_id != ?
		   AND NOT EXISTS (SELECT 1 FROM ReadMark r WHERE r.message_id = m.id AND r.user_id = ?)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		userID, time.Now().UnixMilli(), channelID, userID, userID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetReadMark returns the ReadMark for (message, user), if any
func (db *DB) GetReadMark(messageID, userID int64) (*ReadMark, error) {
	mark := &ReadMark{}
	err := db.conn.QueryRow(
		"SELECT message_id, user_id, read_at FROM ReadMark WHERE message_id = ? AND user_id = ?",
		messageID, userID,
	).Scan(&mark.MessageID, &mark.UserID, &mark.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mark, nil
}

// CountReadMarks returns how many ReadMark rows exist for (message, user).
// Only meaningful in tests asserting upsert semantics; the primary key
// makes values other than 0 and 1 impossible.
func (db *DB) CountReadMarks(messageID, userID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM ReadMark WHERE message_id = ? AND user_id = ?",
		messageID, userID,
	).Scan(&count)
	return count, err
}

// UnreadCount returns the number of messages in a channel that the user
// has not marked read, excluding the user's own messages.
func (db *DB) UnreadCount(channelID, userID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*)
		 FROM Message m
		 WHERE m.channel_id = ?
		   AND m.author_id != ?
		   AND NOT EXISTS (SELECT 1 FROM ReadMark r WHERE r.message_id = m.id AND r.user_id = ?)`,
		channelID, userID, userID,
	).Scan(&count)
	return count, err
}

// UnreadCounts returns per-channel unread counts for a user, covering
// every channel the user is a member of (zero counts included)
func (db *DB) UnreadCounts(userID int64) (map[int64]int, error) {
	rows, err := db.conn.Query(
		`SELECT cm.channel_id,
		        (SELECT COUNT(*) FROM Message m
		         WHERE m.channel_id = cm.channel_id
		           AND m.author_id != cm.user_id
		           AND NOT EXISTS (SELECT 1 FROM ReadMark r WHERE r.message_id = m.id AND r.user_id = cm.user_id))
		 FROM ChannelMember cm
		 WHERE cm.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var channelID int64
		var count int
		if err := rows.Scan(&channelID, &count); err != nil {
			return nil, err
		}
		counts[channelID] = count
	}
	return counts, rows.Err()
}

// CreateNotification inserts a notification row and publishes it on the
// change feed
func (db *DB) CreateNotification(recipientID int64, kind, body string) (*Notification, error) {
	n := &Notification{
		ID:          db.snowflake.Next(),
		RecipientID: recipientID,
		Kind:        kind,
		Body:        body,
		CreatedAt:   time.Now().UnixMilli(),
	}

	_, err := db.writeConn.Exec(
		"INSERT INTO Notification (id, recipient_id, kind, body, read, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		n.ID, n.RecipientID, n.Kind, n.Body, n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	db.feed.Publish(ChangeEvent{
		Op:           OpNotificationInsert,
		Notification: n,
	})

	return n, nil
}

// MarkNotificationRead flips a notification's read flag. The feed event
// carries the previous flag value so downstream consumers don't
// double-count repeated updates. The flip is one conditional UPDATE, so
// of any number of concurrent calls exactly one observes an unread
// previous state.
func (db *DB) MarkNotificationRead(notificationID int64) error {
	result, err := db.writeConn.Exec(
		"UPDATE Notification SET read = 1 WHERE id = ? AND read = 0",
		notificationID,
	)
	if err != nil {
		return err
	}
	flipped, err := result.RowsAffected()
	if err != nil {
		return err
	}

	n := &Notification{}
	err = db.conn.QueryRow(
		"SELECT id, recipient_id, kind, body, read, created_at FROM Notification WHERE id = ?",
		notificationID,
	).Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Body, &n.Read, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return ErrNotificationNotFound
	}
	if err != nil {
		return err
	}

	db.feed.Publish(ChangeEvent{
		Op:           OpNotificationUpdate,
		Notification: n,
		PrevRead:     flipped == 0,
	})

	return nil
}

// ListNotifications returns a user's notifications, newest first
func (db *DB) ListNotifications(recipientID int64, limit int) ([]*Notification, error) {
	rows, err := db.conn.Query(
		"SELECT id, recipient_id, kind, body, read, created_at FROM Notification WHERE recipient_id = ? ORDER BY id DESC LIMIT ?",
		recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// CleanupExpiredMessages deletes messages older than their channel's
// retention policy. Channels with retention_hours = 0 keep everything.
func (db *DB) CleanupExpiredMessages() (int64, error) {
	result, err := db.writeConn.Exec(
		`DELETE FROM Message
		 WHERE channel_id IN (SELECT id FROM Channel WHERE retention_hours > 0)
		   AND created_at < (
		     SELECT ? - c.retention_hours * 3600000
		     FROM Channel c WHERE c.id = Message.channel_id
		   )`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *DB) messageExists(messageID int64) (bool, error) {
	var one int
	err := db.conn.QueryRow("SELECT 1 FROM Message WHERE id = ?", messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

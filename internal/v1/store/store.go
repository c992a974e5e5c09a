// Package store provides durable message history backed by an embedded
// SQLite database. History is sharded one table per room: messages_<room>
// and channels_<room>, with the room UUID's hyphens mapped to
// underscores to form a legal identifier. The users table backs
// username resolution for outbound envelopes.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a
// new string — never edit or reorder existing entries. Per-room tables
// are created on demand, outside the migration stream.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/r3almx/realtime/internal/v1/types"
)

// migrations holds the ordered list of DDL statements that bring the
// fixed schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — registered users
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL UNIQUE,
		email           TEXT NOT NULL UNIQUE,
		profile_picture TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — room registry (which per-room tables exist)
	`CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// ErrBadRoomID is returned when a room id cannot form a table suffix.
var ErrBadRoomID = errors.New("room id is not a valid table suffix")

var roomIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Record is one message row in a per-room table.
type Record struct {
	MID       string
	ChannelID string
	SenderID  string
	Message   string
	Timestamp time.Time
}

// Channel is one row in a per-room channels table.
type Channel struct {
	ID          string
	Name        string
	Description string
	Author      string
	CreatedAt   time.Time
}

// User is a registered account. Only the fields the realtime path
// needs are carried here.
type User struct {
	ID             string
	Username       string
	Email          string
	ProfilePicture string
}

type roomStmts struct {
	insert *sql.Stmt
}

// Store wraps a SQLite database and exposes message-history operations.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	prepared map[types.RoomID]*roomStmts
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{
		db:       db,
		prepared: make(map[types.RoomID]*roomStmts),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	for roomID, st := range s.prepared {
		if st.insert != nil {
			_ = st.insert.Close()
		}
		delete(s.prepared, roomID)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the schema_migrations table (if absent) and applies
// any migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// tableSuffix maps a room UUID to a legal SQL identifier fragment.
// Table names cannot be bound parameters, so the suffix must be
// validated before it is interpolated anywhere.
func tableSuffix(roomID types.RoomID) (string, error) {
	id := strings.ToLower(string(roomID))
	if id == "" || !roomIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrBadRoomID, roomID)
	}
	return strings.ReplaceAll(id, "-", "_"), nil
}

func messagesTable(roomID types.RoomID) (string, error) {
	suffix, err := tableSuffix(roomID)
	if err != nil {
		return "", err
	}
	return "messages_" + suffix, nil
}

func channelsTable(roomID types.RoomID) (string, error) {
	suffix, err := tableSuffix(roomID)
	if err != nil {
		return "", err
	}
	return "channels_" + suffix, nil
}

// EnsureRoom creates the room's message and channel tables if they do
// not exist yet and records the room in the registry. Idempotent.
func (s *Store) EnsureRoom(ctx context.Context, roomID types.RoomID) error {
	msgTable, err := messagesTable(roomID)
	if err != nil {
		return err
	}
	chanTable, _ := channelsTable(roomID)

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL REFERENCES users(id),
			message    TEXT NOT NULL,
			timestamp  DATETIME NOT NULL
		)`, msgTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_channel ON %s(channel_id, timestamp)`, msgTable, msgTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                  TEXT PRIMARY KEY,
			channel_name        TEXT NOT NULL,
			channel_description TEXT NOT NULL DEFAULT '',
			author              TEXT NOT NULL,
			time_created        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, chanTable),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure room %s: %w", roomID, err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rooms(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, string(roomID))
	return err
}

// insertStmt returns the cached prepared insert for the room's message
// table, preparing it on first use. The statement survives for the
// store's lifetime because flushes hit the same few rooms repeatedly.
func (s *Store) insertStmt(ctx context.Context, roomID types.RoomID) (*sql.Stmt, error) {
	s.mu.Lock()
	if st, ok := s.prepared[roomID]; ok {
		s.mu.Unlock()
		return st.insert, nil
	}
	s.mu.Unlock()

	if err := s.EnsureRoom(ctx, roomID); err != nil {
		return nil, err
	}

	msgTable, err := messagesTable(roomID)
	if err != nil {
		return nil, err
	}
	stmt, err := s.db.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, channel_id, sender_id, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msgTable,
	))
	if err != nil {
		return nil, fmt.Errorf("prepare insert for room %s: %w", roomID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.prepared[roomID]; ok {
		// Lost the race; keep the first statement.
		_ = stmt.Close()
		return st.insert, nil
	}
	s.prepared[roomID] = &roomStmts{insert: stmt}
	return stmt, nil
}

// AppendMessages writes a batch of records to the room's message table
// inside a single transaction. The whole batch commits or none of it
// does; callers rely on that to retry safely.
func (s *Store) AppendMessages(ctx context.Context, roomID types.RoomID, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := s.insertStmt(ctx, roomID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for room %s: %w", roomID, err)
	}

	txStmt := tx.StmtContext(ctx, stmt)
	for _, r := range records {
		if _, err := txStmt.ExecContext(ctx, r.MID, r.ChannelID, r.SenderID, r.Message, r.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert message %s in room %s: %w", r.MID, roomID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch for room %s: %w", roomID, err)
	}
	return nil
}

// DeleteMessage removes one message row by id. Returns sql.ErrNoRows
// if the message does not exist in the room's table.
func (s *Store) DeleteMessage(ctx context.Context, roomID types.RoomID, mid string) error {
	msgTable, err := messagesTable(roomID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, msgTable), mid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ChannelMessages returns every message in a channel, oldest first.
func (s *Store) ChannelMessages(ctx context.Context, roomID types.RoomID, channelID types.ChannelID) ([]Record, error) {
	msgTable, err := messagesTable(roomID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, channel_id, sender_id, message, timestamp FROM %s WHERE channel_id = ? ORDER BY timestamp ASC, id ASC`,
		msgTable,
	), string(channelID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.MID, &r.ChannelID, &r.SenderID, &r.Message, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CreateChannel inserts a channel row into the room's channels table.
func (s *Store) CreateChannel(ctx context.Context, roomID types.RoomID, ch Channel) error {
	if err := s.EnsureRoom(ctx, roomID); err != nil {
		return err
	}
	chanTable, err := channelsTable(roomID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, channel_name, channel_description, author) VALUES (?, ?, ?, ?)`,
		chanTable,
	), ch.ID, ch.Name, ch.Description, ch.Author)
	return err
}

// Channels returns the room's channels, oldest first.
func (s *Store) Channels(ctx context.Context, roomID types.RoomID) ([]Channel, error) {
	chanTable, err := channelsTable(roomID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, channel_name, channel_description, author, time_created FROM %s ORDER BY time_created ASC, id ASC`,
		chanTable,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Author, &c.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, email, profile_picture) VALUES(?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.ProfilePicture,
	)
	return err
}

// UserByID returns the user with the given id.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UserByID(ctx context.Context, id types.UserID) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, profile_picture FROM users WHERE id = ?`, string(id),
	).Scan(&u.ID, &u.Username, &u.Email, &u.ProfilePicture)
	return u, err
}

// UserByEmail returns the user with the given email.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, profile_picture FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Username, &u.Email, &u.ProfilePicture)
	return u, err
}

// Rooms returns the ids of every room with history tables.
func (s *Store) Rooms(ctx context.Context) ([]types.RoomID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM rooms ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.RoomID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.RoomID(id))
	}
	return ids, rows.Err()
}

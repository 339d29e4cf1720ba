package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrPhoneTaken = errors.New("phone already in use")
)

const timeLayout = time.RFC3339Nano

type DB struct {
	conn *sql.DB
	log  *zap.Logger
}

func New(path string, log *zap.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, log: log.Named("db")}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			contact_user_id INTEGER NOT NULL REFERENCES users(id),
			alias TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, contact_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			receiver_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id INTEGER NOT NULL REFERENCES users(id),
			callee_id INTEGER NOT NULL REFERENCES users(id),
			status TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_contact ON contacts(contact_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(timeLayout)

	columns := []struct {
		table, column, ddl string
		backfill          bool
	}{
		{"users", "last_online", "TEXT", true},
		{"users", "last_offline", "TEXT", true},
		{"messages", "delivered_at", "TEXT", false},
		{"messages", "read_at", "TEXT", false},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE
		if _, err := db.conn.Exec("ALTER TABLE " + c.table + " ADD COLUMN " + c.column + " " + c.ddl); err != nil {
			return err
		}
		if c.backfill {
			if _, err := db.conn.Exec("UPDATE "+c.table+" SET "+c.column+" = ? WHERE "+c.column+" IS NULL", now); err != nil {
				return err
			}
		}
		db.log.Info("added column", zap.String("table", c.table), zap.String("column", c.column))
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

func (db *DB) CreateUser(ctx context.Context, phone, name, password string) (models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	now := time.Now().UTC()
	ts := now.Format(timeLayout)
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (phone, name, password_hash, created_at, last_online, last_offline) VALUES (?, ?, ?, ?, ?, ?)",
		phone, name, string(hashed), ts, ts, ts,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.User{}, ErrPhoneTaken
		}
		return models.User{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: id, Phone: phone, Name: name, CreatedAt: now, LastOnline: now, LastOffline: now}, nil
}

// AuthenticateUser checks a phone/password pair. A wrong password or unknown
// phone returns ok=false with a nil error.
func (db *DB) AuthenticateUser(ctx context.Context, phone, password string) (models.User, bool, error) {
	var hashed string
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, phone, name, created_at, COALESCE(last_online, ''), COALESCE(last_offline, ''), password_hash FROM users WHERE phone = ?",
		phone,
	)
	u, err := scanUser(row, &hashed)
	if errors.Is(err, ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return models.User{}, false, nil
	}
	return u, true, nil
}

func (db *DB) GetUser(ctx context.Context, id int64) (models.User, error) {
	var hashed string
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, phone, name, created_at, COALESCE(last_online, ''), COALESCE(last_offline, ''), password_hash FROM users WHERE id = ?",
		id,
	)
	return scanUser(row, &hashed)
}

func (db *DB) GetUserByPhone(ctx context.Context, phone string) (models.User, error) {
	var hashed string
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, phone, name, created_at, COALESCE(last_online, ''), COALESCE(last_offline, ''), password_hash FROM users WHERE phone = ?",
		phone,
	)
	return scanUser(row, &hashed)
}

func scanUser(row *sql.Row, hashed *string) (models.User, error) {
	var u models.User
	var created, online, offline string
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &created, &online, &offline, hashed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNoRows
		}
		return models.User{}, err
	}
	u.CreatedAt = parseTime(created)
	u.LastOnline = parseTime(online)
	u.LastOffline = parseTime(offline)
	return u, nil
}

func (db *DB) UserExists(ctx context.Context, id int64) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(ctx context.Context, id int64, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_online = ? WHERE id = ?", t.UTC().Format(timeLayout), id)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(ctx context.Context, id int64, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_offline = ? WHERE id = ?", t.UTC().Format(timeLayout), id)
	return err
}

// Contact methods

func (db *DB) GetContacts(ctx context.Context, owner int64) ([]models.Contact, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT u.id, u.phone, u.name, COALESCE(c.alias, '')
		FROM contacts c JOIN users u ON u.id = c.contact_user_id
		WHERE c.user_id = ?
		ORDER BY u.name`,
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.UserID, &c.Phone, &c.Name, &c.Alias); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// AddContact inserts owner -> contact. An existing pair is left untouched.
func (db *DB) AddContact(ctx context.Context, owner, contact int64, alias string) error {
	var aliasArg any
	if alias = strings.TrimSpace(alias); alias != "" {
		aliasArg = alias
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO contacts (user_id, contact_user_id, alias, created_at) VALUES (?, ?, ?, ?)",
		owner, contact, aliasArg, time.Now().UTC().Format(timeLayout),
	)
	return err
}

// Watchers returns the users that have id in their contact list.
func (db *DB) Watchers(ctx context.Context, id int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT user_id FROM contacts WHERE contact_user_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var owner int64
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		ids = append(ids, owner)
	}
	return ids, rows.Err()
}

// Message methods

// SaveMessage stores a new message in the queued state and returns it with
// its assigned id.
func (db *DB) SaveMessage(ctx context.Context, sender, receiver int64, content string) (models.Message, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, status, created_at) VALUES (?, ?, ?, ?, ?)",
		sender, receiver, content, models.StateQueued.Column(), now.Format(timeLayout),
	)
	if err != nil {
		return models.Message{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Status:     models.StateQueued,
		CreatedAt:  now,
	}, nil
}

// MarkDelivered, MarkRead and MarkFailed only move a row forward; an update
// that would move it backward matches no row and is not an error.

func (db *DB) MarkDelivered(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ?, delivered_at = ? WHERE id = ? AND status = ?",
		models.StateDelivered.Column(), time.Now().UTC().Format(timeLayout), id, models.StateQueued.Column(),
	)
	return err
}

func (db *DB) MarkRead(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id = ? AND status IN (?, ?)",
		models.StateRead.Column(), now, now, id, models.StateQueued.Column(), models.StateDelivered.Column(),
	)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ? WHERE id = ? AND status = ?",
		models.StateFailed.Column(), id, models.StateQueued.Column(),
	)
	return err
}

// FetchUndelivered returns the queued messages addressed to userID in send
// order.
func (db *DB) FetchUndelivered(ctx context.Context, userID int64) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM messages
		WHERE receiver_id = ? AND status = ?
		ORDER BY id ASC`,
		userID, models.StateQueued.Column(),
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (db *DB) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, sender_id, receiver_id, content, status, created_at FROM messages WHERE id = ?",
		id,
	)
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return models.Message{}, err
	}
	if len(msgs) == 0 {
		return models.Message{}, ErrNoRows
	}
	return msgs[0], nil
}

// GetMessages returns the thread between two users in both directions.
func (db *DB) GetMessages(ctx context.Context, owner, peer int64, offset, limit int) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?`,
		owner, peer, peer, owner, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var status, created string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &created); err != nil {
			return nil, err
		}
		m.Status = models.StateFromColumn(status)
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Call methods

func (db *DB) SaveCall(ctx context.Context, c models.Call) (models.Call, error) {
	c.CreatedAt = time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO calls (caller_id, callee_id, status, started_at, ended_at, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.CallerID, c.CalleeID, c.Status, formatOptional(c.StartedAt), formatOptional(c.EndedAt), c.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return models.Call{}, err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return models.Call{}, err
	}
	return c, nil
}

// GetCalls returns the most recent calls the user took part in.
func (db *DB) GetCalls(ctx context.Context, userID int64, limit int) ([]models.Call, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, caller_id, callee_id, status, COALESCE(started_at, ''), COALESCE(ended_at, ''), created_at
		FROM calls
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		var c models.Call
		var started, ended, created string
		if err := rows.Scan(&c.ID, &c.CallerID, &c.CalleeID, &c.Status, &started, &ended, &created); err != nil {
			return nil, err
		}
		c.StartedAt = parseOptional(started)
		c.EndedAt = parseOptional(ended)
		c.CreatedAt = parseTime(created)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseOptional(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

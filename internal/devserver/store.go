package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"onestop/domain"
)

// Store is the dev server's SQLite-backed storage. The default DSN is an
// in-memory database; nothing outlives the process unless a file DSN is
// configured.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database and applies migrations.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			role TEXT NOT NULL DEFAULT 'candidate',
			hashed_password TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_a, user_b),
			FOREIGN KEY (user_a) REFERENCES users(id),
			FOREIGN KEY (user_b) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent',
			deleted BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT 0,
			tag TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// userRecord is the internal user row, including the password hash.
type userRecord struct {
	domain.UserSummary
	HashedPassword string
}

// CreateUser inserts a user and returns its summary.
func (s *Store) CreateUser(ctx context.Context, name, email, role, hashedPassword string) (domain.UserSummary, error) {
	u := domain.UserSummary{ID: uuid.NewString(), Name: name, Role: role}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, hashed_password) VALUES (?, ?, ?, ?, ?)`,
		u.ID, name, email, role, hashedPassword)
	if err != nil {
		return domain.UserSummary{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByEmail returns the user row for login, or ErrNotFound.
func (s *Store) UserByEmail(ctx context.Context, email string) (*userRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, hashed_password FROM users WHERE email = ?`, email)
	var u userRecord
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.HashedPassword); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("user by email: %w", err)
	}
	return &u, nil
}

// UserByID returns a user summary, or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id string) (domain.UserSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, role FROM users WHERE id = ?`, id)
	var u domain.UserSummary
	if err := row.Scan(&u.ID, &u.Name, &u.Role); err != nil {
		if err == sql.ErrNoRows {
			return domain.UserSummary{}, domain.ErrNotFound
		}
		return domain.UserSummary{}, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

// Users lists all users.
func (s *Store) Users(ctx context.Context) ([]domain.UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []domain.UserSummary
	for rows.Next() {
		var u domain.UserSummary
		if err := rows.Scan(&u.ID, &u.Name, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ConversationBetween finds the direct thread for a user pair in either
// participant order, or returns ErrNotFound.
func (s *Store) ConversationBetween(ctx context.Context, a, b string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, updated_at FROM conversations
		 WHERE (user_a = ? AND user_b = ?) OR (user_a = ? AND user_b = ?)`,
		a, b, b, a)
	return s.scanConversation(ctx, row)
}

// ConversationByID loads one thread, or ErrNotFound.
func (s *Store) ConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, updated_at FROM conversations WHERE id = ?`, id)
	return s.scanConversation(ctx, row)
}

func (s *Store) scanConversation(ctx context.Context, row *sql.Row) (*domain.Conversation, error) {
	var id, userA, userB string
	var updatedAt time.Time
	if err := row.Scan(&id, &userA, &userB, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return s.buildConversation(ctx, id, userA, userB, updatedAt)
}

func (s *Store) buildConversation(ctx context.Context, id, userA, userB string, updatedAt time.Time) (*domain.Conversation, error) {
	pa, err := s.UserByID(ctx, userA)
	if err != nil {
		return nil, err
	}
	pb, err := s.UserByID(ctx, userB)
	if err != nil {
		return nil, err
	}
	conv := &domain.Conversation{
		ID:           id,
		Participants: []domain.UserSummary{pa, pb},
		UpdatedAt:    updatedAt,
	}
	last, err := s.lastMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.LastMessage = last
	return conv, nil
}

// CreateConversation inserts a thread for the pair. Participant order is
// preserved as given; lookups check both orders.
func (s *Store) CreateConversation(ctx context.Context, a, b string) (*domain.Conversation, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_a, user_b, updated_at) VALUES (?, ?, ?, ?)`,
		id, a, b, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.buildConversation(ctx, id, a, b, now)
}

// ConversationsForUser lists the user's threads, most recently updated
// first, each with its last-message snapshot.
func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_a, user_b, updated_at FROM conversations
		 WHERE user_a = ? OR user_b = ? ORDER BY updated_at DESC`,
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	type convRow struct {
		id, a, b  string
		updatedAt time.Time
	}
	var raw []convRow
	for rows.Next() {
		var r convRow
		if err := rows.Scan(&r.id, &r.a, &r.b, &r.updatedAt); err != nil {
			return nil, err
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Conversation, 0, len(raw))
	for _, r := range raw {
		conv, err := s.buildConversation(ctx, r.id, r.a, r.b, r.updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (s *Store) lastMessage(ctx context.Context, conversationID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, recipient_id, body, status, deleted, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID)
	var m domain.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Body, &m.Status, &m.Deleted, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &m, nil
}

// InsertMessage stores a new message and touches the thread's timestamp.
func (s *Store) InsertMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, body, status, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Body, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, m.CreatedAt, m.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// MessageByID loads one message, or ErrNotFound.
func (s *Store) MessageByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, recipient_id, body, status, deleted, created_at
		 FROM messages WHERE id = ?`, id)
	var m domain.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Body, &m.Status, &m.Deleted, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message by id: %w", err)
	}
	return &m, nil
}

// MessagesPage returns the most recent page in chronological order.
func (s *Store) MessagesPage(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, recipient_id, body, status, deleted, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages page: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
			&m.Body, &m.Status, &m.Deleted, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// DB returns newest first; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RaiseMessageStatus moves a message's status forward; it never lowers one.
// It reports whether the row changed.
func (s *Store) RaiseMessageStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	var current []string
	switch status {
	case domain.StatusDelivered:
		current = []string{string(domain.StatusSent)}
	case domain.StatusSeen:
		current = []string{string(domain.StatusSent), string(domain.StatusDelivered)}
	default:
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND status IN (`+placeholders(len(current))+`)`,
		append([]any{status, id}, toAny(current)...)...)
	if err != nil {
		return false, fmt.Errorf("raise status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMessageForEveryone soft-deletes: the body is replaced by the
// deletion marker, position and timestamp untouched.
func (s *Store) DeleteMessageForEveryone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, deleted = 1 WHERE id = ?`, domain.DeletedBody, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// InsertNotification stores a notification for a user.
func (s *Store) InsertNotification(ctx context.Context, userID string, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, read, tag, link, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, userID, n.Title, n.Message, n.Read, n.Tag, n.Link, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotificationsForUser lists a user's notifications, newest first.
func (s *Store) NotificationsForUser(ctx context.Context, userID string) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, message, read, tag, link, created_at
		 FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &n.Read, &n.Tag, &n.Link, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flips one record for the user.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead flips every record for the user.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	switch n {
	case 1:
		return "?"
	case 2:
		return "?, ?"
	default:
		s := "?"
		for i := 1; i < n; i++ {
			s += ", ?"
		}
		return s
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

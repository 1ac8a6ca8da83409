package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/identity"
)

// SQLiteStore is the single-node durable backend. It is also what tests run
// against, with an in-memory DSN.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			sources TEXT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (identity.User, error) {
	u := identity.User{Email: email, PasswordHash: passwordHash, CreatedAt: s.now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, passwordHash, u.CreatedAt,
	)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return identity.User{}, apperr.ErrEmailTaken
		}
		return identity.User{}, fmt.Errorf("insert user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return identity.User{}, fmt.Errorf("user id: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) UserByEmail(ctx context.Context, email string) (identity.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) UserByID(ctx context.Context, id int64) (identity.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id))
}

func scanSQLiteUser(row *sql.Row) (identity.User, error) {
	var u identity.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, apperr.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, owner string) ([]conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM conversations
		  WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Conversation, 0, 8)
	for rows.Next() {
		var id int64
		c := conversation.Conversation{Owner: owner, Kind: identity.KindRegistered}
		if err := rows.Scan(&id, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.ID = formatID(id)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, owner, title string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c := conversation.Conversation{Owner: owner, Kind: identity.KindRegistered, Title: title, CreatedAt: s.now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at)
		 SELECT id, ?, ? FROM users WHERE id = ?`,
		title, c.CreatedAt, userID,
	)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Conversation{}, apperr.ErrNotFound
	}
	id, err := res.LastInsertId()
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("conversation id: %w", err)
	}
	c.ID = formatID(id)
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, owner, id string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return getSQLiteConversation(ctx, s.db, userID, convID, owner)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteConversation(ctx context.Context, q sqliteQuerier, userID, convID int64, owner string) (conversation.Conversation, error) {
	c := conversation.Conversation{ID: formatID(convID), Owner: owner, Kind: identity.KindRegistered}
	err := q.QueryRowContext(ctx,
		`SELECT title, created_at FROM conversations WHERE id = ? AND user_id = ?`,
		convID, userID,
	).Scan(&c.Title, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, apperr.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, owner, id, title string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, convID, userID,
	)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Conversation{}, apperr.ErrNotFound
	}
	return getSQLiteConversation(ctx, s.db, userID, convID, owner)
}

func (s *SQLiteStore) RetitleConversation(ctx context.Context, owner, id, from, title string) (conversation.Conversation, bool, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ? AND title = ?`,
		title, convID, userID, from,
	)
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("retitle conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	c, err := getSQLiteConversation(ctx, s.db, userID, convID, owner)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	return c, n > 0, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, owner, id string) error {
	userID, err := parseOwner(owner)
	if err != nil {
		return err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, convID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, owner, conversationID string) ([]conversation.Message, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return nil, err
	}
	convID, err := parseConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getSQLiteConversation(ctx, tx, userID, convID, owner); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, content, sources, created_at FROM messages
		  WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		convID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Message, 0, 16)
	for rows.Next() {
		var (
			id      int64
			role    string
			sources sql.NullString
			m       conversation.Message
		)
		if err := rows.Scan(&id, &role, &m.Content, &sources, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ID = formatID(id)
		m.ConversationID = formatID(convID)
		m.Role = conversation.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if sources.Valid {
			if m.Sources, err = decodeSources([]byte(sources.String)); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, owner, conversationID string, msg conversation.NewMessage) (conversation.Message, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Message{}, err
	}
	convID, err := parseConversationID(conversationID)
	if err != nil {
		return conversation.Message{}, err
	}
	raw, err := encodeSources(msg.Sources)
	if err != nil {
		return conversation.Message{}, err
	}
	var sources sql.NullString
	if raw != nil {
		sources = sql.NullString{String: string(raw), Valid: true}
	}

	m := conversation.Message{
		ConversationID: formatID(convID),
		Role:           msg.Role,
		Content:        msg.Content,
		Sources:        msg.Sources,
		CreatedAt:      s.now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, sources, created_at)
		 SELECT c.id, ?, ?, ?, ? FROM conversations c
		  WHERE c.id = ? AND c.user_id = ?`,
		string(msg.Role), msg.Content, sources, m.CreatedAt, convID, userID,
	)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Message{}, apperr.ErrNotFound
	}
	id, err := res.LastInsertId()
	if err != nil {
		return conversation.Message{}, fmt.Errorf("message id: %w", err)
	}
	m.ID = formatID(id)
	if len(m.Sources) == 0 {
		m.Sources = nil
	}
	return m, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

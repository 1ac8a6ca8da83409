package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/identity"
)

const pgUniqueViolation = "23505"

// PostgresStore persists users, conversations and messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			sources JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string) (identity.User, error) {
	u := identity.User{Email: email, PasswordHash: passwordHash}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id, created_at`,
		email, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return identity.User{}, apperr.ErrEmailTaken
		}
		return identity.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (identity.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (identity.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) scanUser(row pgx.Row) (identity.User, error) {
	var u identity.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.User{}, apperr.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, owner string) ([]conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at FROM conversations
		  WHERE user_id=$1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Conversation, 0, 8)
	for rows.Next() {
		var (
			id  int64
			c   conversation.Conversation
			got time.Time
		)
		if err := rows.Scan(&id, &c.Title, &got); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.ID = formatID(id)
		c.Owner = owner
		c.Kind = identity.KindRegistered
		c.CreatedAt = got.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, owner, title string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	var id int64
	c := conversation.Conversation{Owner: owner, Kind: identity.KindRegistered, Title: title}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO conversations (user_id, title)
		 SELECT id, $2 FROM users WHERE id=$1
		 RETURNING id, created_at`,
		userID, title,
	).Scan(&id, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Conversation{}, apperr.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	c.ID = formatID(id)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, owner, id string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return s.getConversation(ctx, s.pool, userID, convID, owner)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getConversation(ctx context.Context, q pgQuerier, userID, convID int64, owner string) (conversation.Conversation, error) {
	c := conversation.Conversation{ID: formatID(convID), Owner: owner, Kind: identity.KindRegistered}
	err := q.QueryRow(ctx,
		`SELECT title, created_at FROM conversations WHERE id=$1 AND user_id=$2`,
		convID, userID,
	).Scan(&c.Title, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Conversation{}, apperr.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) RenameConversation(ctx context.Context, owner, id, title string) (conversation.Conversation, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c := conversation.Conversation{ID: formatID(convID), Owner: owner, Kind: identity.KindRegistered}
	err = s.pool.QueryRow(ctx,
		`UPDATE conversations SET title=$3 WHERE id=$1 AND user_id=$2 RETURNING title, created_at`,
		convID, userID, title,
	).Scan(&c.Title, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Conversation{}, apperr.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// RetitleConversation compares and sets the title in one UPDATE.
func (s *PostgresStore) RetitleConversation(ctx context.Context, owner, id, from, title string) (conversation.Conversation, bool, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title=$3 WHERE id=$1 AND user_id=$2 AND title=$4`,
		convID, userID, title, from,
	)
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("retitle conversation: %w", err)
	}
	c, err := s.getConversation(ctx, s.pool, userID, convID, owner)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	return c, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, owner, id string) error {
	userID, err := parseOwner(owner)
	if err != nil {
		return err
	}
	convID, err := parseConversationID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1 AND user_id=$2`, convID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, owner, conversationID string) ([]conversation.Message, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return nil, err
	}
	convID, err := parseConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.getConversation(ctx, tx, userID, convID, owner); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, role, content, sources, created_at FROM messages
		  WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC`,
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
			sources []byte
			m       conversation.Message
		)
		if err := rows.Scan(&id, &role, &m.Content, &sources, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ID = formatID(id)
		m.ConversationID = formatID(convID)
		m.Role = conversation.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if m.Sources, err = decodeSources(sources); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// AppendMessage inserts only if the conversation is owned by owner; the
// ownership check and the insert are one statement.
func (s *PostgresStore) AppendMessage(ctx context.Context, owner, conversationID string, msg conversation.NewMessage) (conversation.Message, error) {
	userID, err := parseOwner(owner)
	if err != nil {
		return conversation.Message{}, err
	}
	convID, err := parseConversationID(conversationID)
	if err != nil {
		return conversation.Message{}, err
	}
	sources, err := encodeSources(msg.Sources)
	if err != nil {
		return conversation.Message{}, err
	}

	var id int64
	m := conversation.Message{
		ConversationID: formatID(convID),
		Role:           msg.Role,
		Content:        msg.Content,
		Sources:        msg.Sources,
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, sources)
		 SELECT c.id, $3::text, $4::text, $5::jsonb FROM conversations c
		  WHERE c.id=$1 AND c.user_id=$2
		 RETURNING id, created_at`,
		convID, userID, string(msg.Role), msg.Content, sources,
	).Scan(&id, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Message{}, apperr.ErrNotFound
		}
		return conversation.Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.ID = formatID(id)
	m.CreatedAt = m.CreatedAt.UTC()
	if len(m.Sources) == 0 {
		m.Sources = nil
	}
	return m, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

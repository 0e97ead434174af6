package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"confab/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres Store adapter for deployments where the record
// store is an external relational database.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PgStore)(nil)
var _ Store = (*BboltStore)(nil)

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PgStore{pool: pool, now: time.Now}, nil
}

// EnsureSchema creates the tables this adapter expects. The unique index on
// the sorted pair is what makes get-or-create race-free.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id           text PRIMARY KEY,
			user_name    text NOT NULL,
			display_name text NOT NULL DEFAULT '',
			avatar_url   text NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS conversations (
			id              text PRIMARY KEY,
			user_a          text NOT NULL,
			user_b          text NOT NULL,
			last_message    text,
			last_message_at timestamptz,
			created_at      timestamptz NOT NULL,
			updated_at      timestamptz NOT NULL,
			UNIQUE (user_a, user_b)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              text PRIMARY KEY,
			conversation_id text NOT NULL REFERENCES conversations(id),
			sender_id       text NOT NULL,
			receiver_id     text NOT NULL,
			content         text NOT NULL,
			is_read         boolean NOT NULL DEFAULT false,
			created_at      timestamptz NOT NULL,
			updated_at      timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_conversation_created
			ON messages (conversation_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS user_presence (
			user_id   text PRIMARY KEY,
			is_online boolean NOT NULL,
			last_seen timestamptz NOT NULL
		);
	`)
	return err
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (models.Conversation, bool, error) {
	ids := []string{userA, userB}
	sort.Strings(ids)

	// Single statement so concurrent first contacts from both sides cannot
	// create two rows. DO UPDATE (not DO NOTHING) so the loser still gets
	// the winner's row back: after waiting out the winner's commit the
	// conflict arm locks and returns it, where a DO NOTHING fallback select
	// would run against a snapshot that predates the commit and see nothing.
	// xmax = 0 distinguishes a freshly inserted row from a conflicted one.
	var (
		conv    models.Conversation
		created bool
	)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_a, user_b) DO UPDATE
		SET updated_at = conversations.updated_at
		RETURNING id, user_a, user_b, last_message, last_message_at, created_at, updated_at, (xmax = 0) AS created
	`, uuid.NewString(), ids[0], ids[1], s.now())

	if err := scanConversation(row, &conv, &created); err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, nil
}

func (s *PgStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_a, user_b, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id)
	if err := scanConversation(row, &conv, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, models.ErrNotFound
		}
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *PgStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_a, user_b, last_message, last_message_at, created_at, updated_at
		FROM conversations
		WHERE user_a = $1 OR user_b = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := scanConversation(rows, &conv, nil); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *PgStore) AppendMessage(ctx context.Context, msg models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, is_read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, msg.IsRead, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return err
	}

	// Denormalized preview only moves forward; a backfilled or delayed
	// append must not regress it.
	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)
	`, msg.ConversationID, msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PgStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_id, receiver_id, content, is_read, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (s *PgStore) MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE messages
		SET is_read = true, updated_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = false
		RETURNING id, conversation_id, sender_id, receiver_id, content, is_read, created_at, updated_at
	`, conversationID, viewerID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (s *PgStore) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = false
	`, conversationID, viewerID).Scan(&count)
	return count, err
}

func (s *PgStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, user_name, display_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET user_name = EXCLUDED.user_name,
		    display_name = EXCLUDED.display_name,
		    avatar_url = EXCLUDED.avatar_url
	`, user.ID, user.UserName, user.DisplayName, user.AvatarURL)
	return err
}

func (s *PgStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_name, display_name, avatar_url FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.UserName, &user.DisplayName, &user.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, models.ErrNotFound
	}
	return user, err
}

func (s *PgStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, display_name, avatar_url FROM users ORDER BY display_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.UserName, &user.DisplayName, &user.AvatarURL); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PgStore) UpsertPresence(ctx context.Context, rec models.PresenceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, is_online, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen
	`, rec.UserID, rec.IsOnline, rec.LastSeen)
	return err
}

func (s *PgStore) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	var rec models.PresenceRecord
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, is_online, last_seen FROM user_presence WHERE user_id = $1
	`, userID).Scan(&rec.UserID, &rec.IsOnline, &rec.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PresenceRecord{}, models.ErrNotFound
	}
	return rec, err
}

func (s *PgStore) SweepStalePresence(ctx context.Context, cutoff time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE user_presence SET is_online = false
		WHERE is_online = true AND last_seen < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func scanConversation(row pgx.Row, conv *models.Conversation, created *bool) error {
	var (
		lastMessage   *string
		lastMessageAt *time.Time
	)
	dest := []any{&conv.ID, &conv.UserA, &conv.UserB, &lastMessage, &lastMessageAt, &conv.CreatedAt, &conv.UpdatedAt}
	if created != nil {
		dest = append(dest, created)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if lastMessage != nil {
		conv.LastMessage = *lastMessage
	}
	if lastMessageAt != nil {
		conv.LastMessageAt = *lastMessageAt
	}
	return nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID,
			&msg.Content, &msg.IsRead, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

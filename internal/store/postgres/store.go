package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

const (
	notifyChannel       = "chat_messages"
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	relistenBackoff     = time.Second
	listenReadyTimeout  = 5 * time.Second
	messageColumns      = "id, receiver_id, content, message_type, status, session_token, session_expires_at, created_at"
	chatColumns         = "id, message_id, sender_role, content, created_at"
)

// Store persists inbox and chat records in Postgres. Live chat delivery
// uses LISTEN/NOTIFY on a single dedicated connection fanned out through an
// in-process hub.
type Store struct {
	pool *pgxpool.Pool
	hub  *store.Hub

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// ready is closed while a LISTEN connection is active and replaced
	// when it drops.
	readyMu   sync.Mutex
	ready     chan struct{}
	listening bool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool. Call RunMigrations before first use.
func New(pool *pgxpool.Pool) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		pool:   pool,
		hub:    store.NewHub(0),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

func (s *Store) CreateMessage(ctx context.Context, m inbox.Message) error {
	var status, token, expires any
	if m.IsFan() {
		status, token, expires = string(m.Status), m.SessionToken, m.SessionExpiresAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ReceiverID, m.Content, string(m.MessageType), status, token, expires, m.CreatedAt)
	if err != nil {
		if isDuplicateToken(err) {
			return store.ErrDuplicateToken
		}
		return fmt.Errorf("postgres: CreateMessage: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (inbox.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("postgres: GetMessage: %w", err)
	}
	return m, nil
}

func (s *Store) FindFanMessage(ctx context.Context, token, receiverID string) (inbox.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_token = $1 AND receiver_id = $2 AND message_type = 'fan'
	`, token, receiverID)
	m, err := scanMessage(row)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("postgres: FindFanMessage: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, receiverID string) ([]inbox.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver_id = $1
		ORDER BY created_at DESC
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListMessages: %w", err)
	}
	defer rows.Close()

	var out []inbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: ListMessages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: ListMessages: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next inbox.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $1 WHERE id = $2 AND status = $3
	`, string(next), id, string(expected))
	if err != nil {
		return fmt.Errorf("postgres: UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: UpdateStatus: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) IncrementStats(ctx context.Context, receiverID string, t inbox.MessageType) error {
	fans := 0
	if t == inbox.TypeFan {
		fans = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_stats (receiver_id, total_messages, fans)
		VALUES ($1, 1, $2)
		ON CONFLICT (receiver_id) DO UPDATE
		SET total_messages = inbox_stats.total_messages + 1,
		    fans = inbox_stats.fans + EXCLUDED.fans
	`, receiverID, fans)
	if err != nil {
		return fmt.Errorf("postgres: IncrementStats: %w", err)
	}
	return nil
}

func (s *Store) GetStats(ctx context.Context, receiverID string) (inbox.Stats, error) {
	var total, fans int64
	err := s.pool.QueryRow(ctx, `
		SELECT total_messages, fans FROM inbox_stats WHERE receiver_id = $1
	`, receiverID).Scan(&total, &fans)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.Stats{}, nil
	}
	if err != nil {
		return inbox.Stats{}, fmt.Errorf("postgres: GetStats: %w", err)
	}
	return inbox.Stats{TotalMessages: int(total), Fans: int(fans)}, nil
}

func (s *Store) CreateChatMessage(ctx context.Context, m chat.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (`+chatColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.MessageID, string(m.SenderRole), m.Content, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return store.ErrNotFound
		}
		return fmt.Errorf("postgres: CreateChatMessage: %w", err)
	}
	return nil
}

func (s *Store) ListChatMessages(ctx context.Context, messageID string) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chatColumns+` FROM chat_messages
		WHERE message_id = $1
		ORDER BY created_at, seq
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListChatMessages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var role string
		if err := rows.Scan(&m.ID, &m.MessageID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: ListChatMessages scan: %w", err)
		}
		m.SenderRole = chat.SenderRole(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: ListChatMessages: %w", err)
	}
	return out, nil
}

func (s *Store) WatchChat(ctx context.Context, messageID string) (<-chan chat.Message, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, errors.New("postgres: WatchChat: store closed")
	}
	s.listenOnce.Do(func() {
		s.wg.Add(1)
		go s.listen()
	})
	if err := s.awaitListening(ctx); err != nil {
		return nil, fmt.Errorf("postgres: WatchChat: %w", err)
	}
	return s.hub.Subscribe(ctx, messageID), nil
}

// awaitListening blocks until LISTEN is active so a turn committed right
// after the caller reads history is still notified.
func (s *Store) awaitListening(ctx context.Context) error {
	s.readyMu.Lock()
	ready := s.ready
	s.readyMu.Unlock()

	timer := time.NewTimer(listenReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("store closed")
	case <-timer.C:
		return errors.New("notification listener not ready")
	}
}

func (s *Store) markListening() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if !s.listening {
		s.listening = true
		close(s.ready)
	}
}

func (s *Store) markNotListening() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.listening {
		s.listening = false
		s.ready = make(chan struct{})
	}
}

// Close stops the notification listener and closes the pool.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.CloseAll()
	s.pool.Close()
	return nil
}

// listen keeps a LISTEN connection open until the store closes. When the
// connection drops every watcher is closed so subscribers replay history.
func (s *Store) listen() {
	defer s.wg.Done()
	for {
		err := s.listenConn(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("[store/postgres] notification listener lost: %v", err)
		s.markNotListening()
		s.hub.CloseAll()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(relistenBackoff):
		}
	}
}

func (s *Store) listenConn(ctx context.Context) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.markListening()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		m, err := decodeNotification(n.Payload)
		if err != nil {
			log.Printf("[store/postgres] dropping malformed notification: %v", err)
			continue
		}
		s.hub.Publish(m)
	}
}

func decodeNotification(payload string) (chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return chat.Message{}, err
	}
	if m.ID == "" || m.MessageID == "" {
		return chat.Message{}, errors.New("notification missing id or messageId")
	}
	return m, nil
}

func isDuplicateToken(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
		strings.Contains(pgErr.ConstraintName, "session_token")
}

func scanMessage(row pgx.Row) (inbox.Message, error) {
	var m inbox.Message
	var kind string
	var status, token *string
	var expires *int64
	err := row.Scan(&m.ID, &m.ReceiverID, &m.Content, &kind, &status, &token, &expires, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.Message{}, store.ErrNotFound
	}
	if err != nil {
		return inbox.Message{}, err
	}

	m.MessageType = inbox.MessageType(kind)
	if status != nil {
		m.Status = inbox.Status(*status)
	}
	if token != nil {
		m.SessionToken = *token
	}
	if expires != nil {
		m.SessionExpiresAt = *expires
	}
	return m, nil
}

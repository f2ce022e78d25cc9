package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/lumen/internal/config"
	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &DatabaseClient{db: db}, nil
}

// buildDSN pins the server certificate when a CA file is configured.
func buildDSN(raw, certPath string) (string, error) {
	if certPath == "" {
		return raw, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Notebooks

func (c *DatabaseClient) GetNotebookByID(ctx context.Context, id string) (*models.Notebook, error) {
	const q = `SELECT id, user_id, title, created_at FROM notebooks WHERE id = $1`
	var nb models.Notebook
	err := c.db.QueryRowContext(ctx, q, id).Scan(&nb.ID, &nb.UserID, &nb.Title, &nb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nb, nil
}

// Sources

func (c *DatabaseClient) CreateSource(ctx context.Context, src *models.Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	const q = `
		INSERT INTO sources (id, notebook_id, type, title, file_path, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		src.ID, src.NotebookID, src.Type, src.Title, src.FilePath, src.URL, src.Status,
	).Scan(&src.CreatedAt, &src.UpdatedAt)
}

func (c *DatabaseClient) GetSourceByID(ctx context.Context, id string) (*models.Source, error) {
	const q = `
		SELECT id, notebook_id, type, title, file_path, url, status, content, error_msg, created_at, updated_at
		FROM sources WHERE id = $1
	`
	var s models.Source
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.NotebookID, &s.Type, &s.Title, &s.FilePath, &s.URL, &s.Status, &s.Content, &s.ErrorMsg, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// sourceListColumns leaves out the cached content.
const sourceListColumns = `id, notebook_id, type, title, file_path, url, status, error_msg, created_at, updated_at`

func scanSources(rows *sql.Rows) ([]models.Source, error) {
	defer rows.Close()
	var out []models.Source
	for rows.Next() {
		var s models.Source
		if err := rows.Scan(
			&s.ID, &s.NotebookID, &s.Type, &s.Title, &s.FilePath, &s.URL, &s.Status, &s.ErrorMsg, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListSourcesByNotebook(ctx context.Context, notebookID string) ([]models.Source, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sourceListColumns+` FROM sources WHERE notebook_id = $1 ORDER BY created_at DESC`, notebookID)
	if err != nil {
		return nil, err
	}
	return scanSources(rows)
}

func (c *DatabaseClient) ListStaleSources(ctx context.Context, statuses []models.SourceStatus, updatedBefore time.Time) ([]models.Source, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sourceListColumns+` FROM sources WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`,
		statusStrings(statuses), updatedBefore)
	if err != nil {
		return nil, err
	}
	return scanSources(rows)
}

func (c *DatabaseClient) GetSourceTitles(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, title FROM sources WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		out[id] = title
	}
	return out, rows.Err()
}

// TransitionSource applies the change only while the row is in one of change.From.
func (c *DatabaseClient) TransitionSource(ctx context.Context, id string, change models.StatusChange) (bool, error) {
	for _, from := range change.From {
		if !models.CanTransition(from, change.To) {
			return false, fmt.Errorf("%s -> %s: %w", from, change.To, core.ErrInvalidTransition)
		}
	}
	const q = `
		UPDATE sources
		SET status = $2,
		    content = CASE WHEN $2 = 'READY' THEN $3 ELSE content END,
		    error_msg = CASE WHEN $2 = 'ERROR' THEN $4 ELSE '' END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)
	`
	res, err := c.db.ExecContext(ctx, q, id, string(change.To), change.Content, change.ErrorMsg, statusStrings(change.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteSource removes the row; chunks go with it through ON DELETE CASCADE.
func (c *DatabaseClient) DeleteSource(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func statusStrings(statuses []models.SourceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Chunks

// ReplaceChunks swaps a source's whole chunk set in one transaction.
func (c *DatabaseClient) ReplaceChunks(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE id = $1 FOR UPDATE`, sourceID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("source %s: %w", sourceID, core.ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, source_id, idx, content, embedding)
			VALUES ($1, $2, $3, $4, $5)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range chunks {
			ch := &chunks[i]
			if ch.ID == "" {
				ch.ID = uuid.NewString()
			}
			ch.SourceID = sourceID
			if _, err := stmt.ExecContext(ctx, ch.ID, sourceID, ch.Index, ch.Content, pgvector.NewVector(ch.Embedding)); err != nil {
				return fmt.Errorf("insert chunk %d: %w", ch.Index, err)
			}
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetChunksBySource(ctx context.Context, sourceID string) ([]models.Chunk, error) {
	const q = `
		SELECT id, source_id, idx, content, embedding, created_at
		FROM chunks
		WHERE source_id = $1
		ORDER BY idx ASC
	`
	rows, err := c.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			ch  models.Chunk
			emb pgvector.Vector
		)
		if err := rows.Scan(&ch.ID, &ch.SourceID, &ch.Index, &ch.Content, &emb, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchSimilarChunks returns the closest chunks of READY sources in the notebook by cosine distance.
// The candidate set is materialized first so the ranking is exact over the notebook
// and never truncated by an approximate index scan across other notebooks.
func (c *DatabaseClient) SearchSimilarChunks(ctx context.Context, notebookID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
		WITH candidates AS MATERIALIZED (
			SELECT c.id, c.content, c.source_id, c.embedding <=> $2 AS distance
			FROM chunks c
			JOIN sources s ON s.id = c.source_id
			WHERE s.notebook_id = $1 AND s.status = 'READY'
		)
		SELECT id, content, source_id, 1 - distance AS similarity
		FROM candidates
		ORDER BY distance
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, notebookID, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.Content, &sc.SourceID, &sc.Similarity); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Chats

// GetOrCreateChat relies on UNIQUE(notebook_id, user_id) so concurrent first messages share one chat.
func (c *DatabaseClient) GetOrCreateChat(ctx context.Context, notebookID, userID string) (*models.Chat, error) {
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO chats (id, notebook_id, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (notebook_id, user_id) DO NOTHING
	`, uuid.NewString(), notebookID, userID); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	var chat models.Chat
	err := c.db.QueryRowContext(ctx,
		`SELECT id, notebook_id, user_id, created_at FROM chats WHERE notebook_id = $1 AND user_id = $2`,
		notebookID, userID,
	).Scan(&chat.ID, &chat.NotebookID, &chat.UserID, &chat.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *DatabaseClient) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var citations []byte
	if msg.Citations != nil {
		b, err := json.Marshal(msg.Citations)
		if err != nil {
			return fmt.Errorf("encode citations: %w", err)
		}
		citations = b
	}
	const q = `
		INSERT INTO messages (id, chat_id, role, content, citations)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at
	`
	return c.db.QueryRowContext(ctx, q, msg.ID, msg.ChatID, string(msg.Role), msg.Content, citations).
		Scan(&msg.Seq, &msg.CreatedAt)
}

func (c *DatabaseClient) ListRecentMessages(ctx context.Context, chatID, excludeID string, limit int) ([]models.Message, error) {
	const q = `
		SELECT id, chat_id, role, content, citations, created_at, seq FROM (
			SELECT id, chat_id, role, content, citations, created_at, seq
			FROM messages
			WHERE chat_id = $1 AND id <> $2
			ORDER BY seq DESC
			LIMIT $3
		) recent
		ORDER BY seq ASC
	`
	rows, err := c.db.QueryContext(ctx, q, chatID, excludeID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (c *DatabaseClient) ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	const q = `
		SELECT id, chat_id, role, content, citations, created_at, seq
		FROM messages
		WHERE chat_id = $1
		ORDER BY seq ASC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var (
			m         models.Message
			citations []byte
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &citations, &m.CreatedAt, &m.Seq); err != nil {
			return nil, err
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fmt.Errorf("decode citations of message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutNotebook upserts a notebook row. Notebooks are owned elsewhere; this exists for seeding and tests.
func (c *DatabaseClient) PutNotebook(ctx context.Context, nb models.Notebook) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, user_id, title) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, title = EXCLUDED.title
	`, nb.ID, nb.UserID, nb.Title)
	return err
}

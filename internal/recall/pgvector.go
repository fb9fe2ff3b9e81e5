package recall

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgVectorIndex implements Index on Postgres with the pgvector extension.
type pgVectorIndex struct {
	pool *pgxpool.Pool
}

// NewPGVector connects to Postgres, ensures the pgvector schema and returns
// the index. dims fixes the embedding dimensionality of the table; it must
// match the embedding model in use.
func NewPGVector(ctx context.Context, dsn string, dims int) (Index, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to vector store: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping vector store: %w", err)
	}

	schema := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;
	CREATE TABLE IF NOT EXISTS message_vectors (
		vector_id  TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		embedding  vector(%d) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_vectors_user ON message_vectors(user_id);
	CREATE INDEX IF NOT EXISTS idx_message_vectors_session ON message_vectors(session_id);
	`, dims)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize vector schema: %w", err)
	}

	return &pgVectorIndex{pool: pool}, nil
}

// Store indexes one message embedding.
func (idx *pgVectorIndex) Store(ctx context.Context, entry *Entry) error {
	query := `
	INSERT INTO message_vectors (vector_id, message_id, session_id, user_id, role, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
	ON CONFLICT (vector_id) DO NOTHING`

	_, err := idx.pool.Exec(ctx, query,
		entry.VectorID, entry.MessageID, entry.SessionID, entry.UserID,
		entry.Role, entry.Content, vectorLiteral(entry.Embedding))
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}

// Search returns up to TopK matches ordered by descending cosine similarity.
func (idx *pgVectorIndex) Search(ctx context.Context, q Query) ([]Match, error) {
	if q.TopK <= 0 || len(q.Embedding) == 0 {
		return nil, nil
	}

	query := `
		SELECT message_id, role, content, 1 - (embedding <=> $1::vector) AS score
		FROM message_vectors
		WHERE user_id = $2`
	args := []interface{}{vectorLiteral(q.Embedding), q.UserID}
	if q.SessionOnly {
		query += ` AND session_id = $3`
		args = append(args, q.SessionID)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1::vector LIMIT %d`, q.TopK)

	rows, err := idx.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		if m.Score >= q.MinScore {
			matches = append(matches, m)
		}
	}
	return matches, rows.Err()
}

// Close releases the connection pool.
func (idx *pgVectorIndex) Close() {
	idx.pool.Close()
}

// vectorLiteral renders an embedding in pgvector's text input format.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

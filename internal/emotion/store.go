package emotion

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryStore persists committed detections so a returning speaker's
// emotional arc survives process restarts. A nil store means in-memory
// history only.
type HistoryStore interface {
	SaveDetection(ctx context.Context, sessionID string, det Detection) error
	RecentDetections(ctx context.Context, sessionID string, limit int) ([]Detection, error)
	Close()
}

// PostgresStore is a HistoryStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const historySchema = `
CREATE TABLE IF NOT EXISTS emotion_history (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    primary_emotion   TEXT  NOT NULL,
    secondary_emotion TEXT  NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL,
    secondary_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    arousal     DOUBLE PRECISION NOT NULL,
    valence     DOUBLE PRECISION NOT NULL,
    dominance   DOUBLE PRECISION NOT NULL,
    detected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS emotion_history_session_idx
    ON emotion_history (session_id, detected_at DESC);
`

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply emotion history schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveDetection(ctx context.Context, sessionID string, det Detection) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO emotion_history
            (session_id, primary_emotion, secondary_emotion, confidence,
             secondary_confidence, arousal, valence, dominance, detected_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sessionID, string(det.Primary), string(det.Secondary), det.Confidence,
		det.SecondaryConfidence, det.Arousal, det.Valence, det.Dominance, det.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentDetections(ctx context.Context, sessionID string, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
        SELECT primary_emotion, secondary_emotion, confidence,
               secondary_confidence, arousal, valence, dominance, detected_at
        FROM emotion_history
        WHERE session_id = $1
        ORDER BY detected_at DESC
        LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var det Detection
		var primary, secondary string
		if err := rows.Scan(&primary, &secondary, &det.Confidence,
			&det.SecondaryConfidence, &det.Arousal, &det.Valence, &det.Dominance, &det.Timestamp); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		det.Primary = Emotion(primary)
		det.Secondary = Emotion(secondary)
		out = append(out, det)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an analysis id does not exist.
var ErrNotFound = errors.New("analysis not found")

// Store persists videos, analysis reports and per-unit scores in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Analysis is one stored pipeline run.
type Analysis struct {
	ID            uuid.UUID     `json:"id"`
	VideoID       string        `json:"video_id"`
	VideoPath     string        `json:"video_path"`
	Source        string        `json:"source"`
	Strategy      string        `json:"strategy"`
	FramesSampled int           `json:"frames_sampled"`
	Report        report.Report `json:"report"`
	Units         []types.Unit  `json:"units,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS analyses (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
			strategy TEXT NOT NULL,
			frames_sampled INT NOT NULL,
			unit_count INT NOT NULL,
			fake_ratio DOUBLE PRECISION NOT NULL,
			average_confidence DOUBLE PRECISION NOT NULL,
			stability_score DOUBLE PRECISION NOT NULL,
			stability_method TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			verdict TEXT NOT NULL DEFAULT '',
			max_score DOUBLE PRECISION NOT NULL,
			max_index INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS unit_scores (
			analysis_id UUID NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
			position INT NOT NULL,
			kind TEXT NOT NULL,
			frame_index INT NOT NULL,
			timestamp_seconds DOUBLE PRECISION NOT NULL,
			box_x1 INT, box_y1 INT, box_x2 INT, box_y2 INT,
			score DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (analysis_id, position)
		);
		CREATE INDEX IF NOT EXISTS analyses_video_id_idx ON analyses (video_id);
		CREATE INDEX IF NOT EXISTS analyses_created_at_idx ON analyses (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureVideo registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideo(ctx context.Context, videoID, path, source string) error {
	return upsertVideo(ctx, s.pool, videoID, path, source)
}

func upsertVideo(ctx context.Context, q execer, videoID, path, source string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO videos (id, path, source, indexed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path, source = EXCLUDED.source
	`, videoID, path, source)
	if err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}
	return nil
}

// SaveAnalysis stores the video, the report and its units in one transaction.
// A zero ID is replaced with a new random one, which is returned.
func (s *Store) SaveAnalysis(ctx context.Context, a *Analysis) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	if err := upsertVideo(ctx, tx, a.VideoID, a.VideoPath, a.Source); err != nil {
		return uuid.Nil, err
	}

	r := a.Report
	if _, err := tx.Exec(ctx, `
		INSERT INTO analyses (
			id, video_id, strategy, frames_sampled, unit_count, fake_ratio,
			average_confidence, stability_score, stability_method, threshold,
			verdict, max_score, max_index
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.VideoID, a.Strategy, a.FramesSampled, r.Count, r.FakeRatio,
		r.AverageConfidence, r.StabilityScore, string(r.StabilityMethod), r.Threshold,
		r.Verdict, r.MaxScore, r.MaxIndex,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert analysis: %w", err)
	}

	rows := make([][]any, len(a.Units))
	for i, u := range a.Units {
		var x1, y1, x2, y2 *int
		if u.Box != nil {
			x1, y1, x2, y2 = &u.Box.X1, &u.Box.Y1, &u.Box.X2, &u.Box.Y2
		}
		rows[i] = []any{a.ID, i, string(u.Kind), u.FrameIndex, u.Seconds, x1, y1, x2, y2, u.Score}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"unit_scores"},
		[]string{"analysis_id", "position", "kind", "frame_index", "timestamp_seconds", "box_x1", "box_y1", "box_x2", "box_y2", "score"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert unit scores: %w", err)
	}

	return a.ID, tx.Commit(ctx)
}

const analysisColumns = `
	a.id, a.video_id, v.path, v.source, a.strategy, a.frames_sampled, a.unit_count,
	a.fake_ratio, a.average_confidence, a.stability_score, a.stability_method,
	a.threshold, a.verdict, a.max_score, a.max_index, a.created_at`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	a := &Analysis{}
	var method string
	err := row.Scan(
		&a.ID, &a.VideoID, &a.VideoPath, &a.Source, &a.Strategy, &a.FramesSampled, &a.Report.Count,
		&a.Report.FakeRatio, &a.Report.AverageConfidence, &a.Report.StabilityScore, &method,
		&a.Report.Threshold, &a.Report.Verdict, &a.Report.MaxScore, &a.Report.MaxIndex, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Report.StabilityMethod = report.Spread(method)
	return a, nil
}

// ListAnalyses returns the most recent analyses first, without units.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses a JOIN videos v ON v.id = a.video_id
		ORDER BY a.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAnalysis returns one analysis with its units in their original order.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses a JOIN videos v ON v.id = a.video_id
		WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, frame_index, timestamp_seconds, box_x1, box_y1, box_x2, box_y2, score
		FROM unit_scores WHERE analysis_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get unit scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u types.Unit
		var kind string
		var x1, y1, x2, y2 *int
		if err := rows.Scan(&kind, &u.FrameIndex, &u.Seconds, &x1, &y1, &x2, &y2, &u.Score); err != nil {
			return nil, fmt.Errorf("scan unit score: %w", err)
		}
		u.Kind = types.UnitKind(kind)
		u.Timestamp = time.Duration(u.Seconds * float64(time.Second))
		if x1 != nil && y1 != nil && x2 != nil && y2 != nil {
			u.Box = &types.Box{X1: *x1, Y1: *y1, X2: *x2, Y2: *y2}
		}
		a.Units = append(a.Units, u)
	}
	return a, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS unit_scores CASCADE;
		DROP TABLE IF EXISTS analyses CASCADE;
		DROP TABLE IF EXISTS videos CASCADE;
	`)
	return err
}

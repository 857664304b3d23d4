package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxmatch/internal/convert"
)

var _ Store = (*PostgresStore)(nil)

// ddlConversions returns the schema with the fingerprint dimension baked into
// the vector column.
func ddlConversions(bins int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversions (
    id           TEXT         PRIMARY KEY,
    state        TEXT         NOT NULL,
    source       TEXT         NOT NULL,
    progress     INT          NOT NULL DEFAULT -1,
    text         TEXT         NOT NULL DEFAULT '',
    voice        TEXT         NOT NULL DEFAULT '',
    sample_rate  INT          NOT NULL DEFAULT 0,
    frames       INT          NOT NULL DEFAULT 0,
    shifted      INT          NOT NULL DEFAULT 0,
    replaced     INT          NOT NULL DEFAULT 0,
    seconds      DOUBLE PRECISION NOT NULL DEFAULT 0,
    error        TEXT         NOT NULL DEFAULT '',
    trace_id     TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at  TIMESTAMPTZ,
    fingerprint  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_conversions_finished_at
    ON conversions (finished_at);

CREATE INDEX IF NOT EXISTS idx_conversions_fingerprint
    ON conversions USING hnsw (fingerprint vector_cosine_ops);
`, bins)
}

const selectColumns = `id, state, source, progress, text, voice, sample_rate, frames, shifted,
       replaced, seconds, error, trace_id, created_at, finished_at, fingerprint`

// PostgresStore is a [Store] backed by PostgreSQL with the pgvector
// extension. Fingerprints live in an HNSW-indexed vector column.
type PostgresStore struct {
	pool *pgxpool.Pool
	bins int
}

// NewPostgresStore connects to dsn, registers the pgvector types on every
// connection and runs [MigratePostgres]. bins must match the fingerprint
// length the [Manager] produces; changing it later requires dropping the
// table.
func NewPostgresStore(ctx context.Context, dsn string, bins int) (*PostgresStore, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("jobs: fingerprint bins %d must be positive", bins)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobs: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobs: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool, bins); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, bins: bins}, nil
}

// MigratePostgres creates the conversions table and its indexes. It is
// idempotent.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, bins int) error {
	if _, err := pool.Exec(ctx, ddlConversions(bins)); err != nil {
		return fmt.Errorf("jobs: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Put implements [Store].
func (s *PostgresStore) Put(ctx context.Context, j Job) error {
	const q = `
		INSERT INTO conversions
		    (id, state, source, progress, text, voice, sample_rate, frames, shifted,
		     replaced, seconds, error, trace_id, created_at, finished_at, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
		    state       = EXCLUDED.state,
		    progress    = EXCLUDED.progress,
		    sample_rate = EXCLUDED.sample_rate,
		    frames      = EXCLUDED.frames,
		    shifted     = EXCLUDED.shifted,
		    replaced    = EXCLUDED.replaced,
		    seconds     = EXCLUDED.seconds,
		    error       = EXCLUDED.error,
		    finished_at = EXCLUDED.finished_at,
		    fingerprint = EXCLUDED.fingerprint`

	var fp *pgvector.Vector
	if len(j.Fingerprint) > 0 {
		if len(j.Fingerprint) != s.bins {
			return fmt.Errorf("jobs: fingerprint has %d bins, table expects %d", len(j.Fingerprint), s.bins)
		}
		v := pgvector.NewVector(j.Fingerprint)
		fp = &v
	}
	var finished *time.Time
	if !j.FinishedAt.IsZero() {
		finished = &j.FinishedAt
	}
	_, err := s.pool.Exec(ctx, q,
		j.ID, j.State.String(), string(j.Source), j.Progress, j.Text, j.Voice,
		j.SampleRate, j.Frames, j.Shifted, j.Replaced, j.Seconds,
		j.Error, j.TraceID, j.CreatedAt, finished, fp,
	)
	if err != nil {
		return fmt.Errorf("jobs: put %s: %w", j.ID, err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM conversions WHERE id = $1`, id)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	j, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (Job, error) {
		return scanJob(row)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("jobs: delete %s: %w", id, err)
	}
	return nil
}

// Similar implements [Store] with a pgvector cosine-distance query. Results
// carry no fingerprint.
func (s *PostgresStore) Similar(ctx context.Context, id string, k int) ([]Match, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(target.Fingerprint) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFingerprint, id)
	}
	if k <= 0 {
		k = 10
	}

	q := `
		SELECT ` + selectColumns + `,
		       fingerprint <=> $1 AS distance
		FROM   conversions
		WHERE  id <> $2 AND fingerprint IS NOT NULL
		ORDER  BY distance, id
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(target.Fingerprint), id, k)
	if err != nil {
		return nil, fmt.Errorf("jobs: similar %s: %w", id, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		j, err := scanJob(row, &m.Distance)
		m.Job = j
		m.Job.Fingerprint = nil
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: similar %s: scan: %w", id, err)
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

// Prune implements [Store].
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversions WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("jobs: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanJob reads [selectColumns] followed by any extra destinations.
func scanJob(row pgx.CollectableRow, extra ...any) (Job, error) {
	var (
		j        Job
		state    string
		source   string
		finished *time.Time
		fp       *pgvector.Vector
	)
	dest := append([]any{
		&j.ID, &state, &source, &j.Progress, &j.Text, &j.Voice, &j.SampleRate,
		&j.Frames, &j.Shifted, &j.Replaced, &j.Seconds, &j.Error, &j.TraceID,
		&j.CreatedAt, &finished, &fp,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Job{}, err
	}
	st, err := convert.ParseState(state)
	if err != nil {
		return Job{}, err
	}
	j.State = st
	j.Source = Source(source)
	if finished != nil {
		j.FinishedAt = *finished
	}
	if fp != nil {
		j.Fingerprint = fp.Slice()
	}
	return j, nil
}

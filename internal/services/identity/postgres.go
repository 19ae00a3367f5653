package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
)

const schema = `
CREATE TABLE IF NOT EXISTS person (
	person_id          TEXT PRIMARY KEY,
	embedding          DOUBLE PRECISION[] NOT NULL,
	last_incompliance  TIMESTAMPTZ NOT NULL,
	incompliance_count INTEGER NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps identities in PostgreSQL. Nearest scans embeddings
// client side; the person table is expected to stay small.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and creates the person table if missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info().Msg("Connected to identity database")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Nearest(ctx context.Context, embedding []float64) (Person, float64, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT person_id, embedding, last_incompliance, incompliance_count, created_at FROM person`)
	if err != nil {
		return Person{}, 0, false, err
	}
	defer rows.Close()

	best, bestDist, found := Person{}, 0.0, false
	for rows.Next() {
		var p Person
		var emb pq.Float64Array
		if err := rows.Scan(&p.ID, &emb, &p.LastIncompliance, &p.IncomplianceCount, &p.CreatedAt); err != nil {
			return Person{}, 0, false, err
		}
		if len(emb) != len(embedding) {
			continue
		}
		p.Embedding = emb
		d := floats.Distance(p.Embedding, embedding, 2)
		if !found || d < bestDist {
			best, bestDist, found = p, d, true
		}
	}
	return best, bestDist, found, rows.Err()
}

func (s *PostgresStore) Create(ctx context.Context, p Person) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO person (person_id, embedding, last_incompliance, incompliance_count, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, pq.Array(p.Embedding), p.LastIncompliance, p.IncomplianceCount, p.CreatedAt)
	return err
}

func (s *PostgresStore) RecordIncompliance(ctx context.Context, id string, at time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE person SET last_incompliance = $1, incompliance_count = incompliance_count + 1
		 WHERE person_id = $2 RETURNING incompliance_count`, at, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("person %s not found", id)
	}
	return count, err
}

func (s *PostgresStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM person WHERE last_incompliance < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive people: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

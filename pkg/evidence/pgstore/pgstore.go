// Copyright 2025 Kestrel Systems
//
// evidence.Store backed by Postgres, for deployments that want the
// evidence log durable outside the kernel process. Schema is a single
// append-only table keyed by sequence number; the teacher's
// pkg/database package used lib/pq for a validator-specific schema in
// the same style (plain *sql.DB, hand-written SQL, no ORM).

package pgstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kestrel-systems/govkernel/pkg/evidence"
)

const schema = `
CREATE TABLE IF NOT EXISTS kernel_evidence (
	sequence   BIGINT PRIMARY KEY,
	evidence   JSONB NOT NULL
);
`

// Store is a Postgres-backed evidence.Store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and ensures the evidence table exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, for callers that manage their
// own connection pool lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(e evidence.Evidence) error {
	enc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pgstore: marshal: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kernel_evidence (sequence, evidence) VALUES ($1, $2)
		 ON CONFLICT (sequence) DO UPDATE SET evidence = EXCLUDED.evidence`,
		e.Sequence, enc,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert: %w", err)
	}
	return nil
}

func (s *Store) GetLatest() (*evidence.Evidence, error) {
	row := s.db.QueryRow(`SELECT evidence FROM kernel_evidence ORDER BY sequence DESC LIMIT 1`)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: query latest: %w", err)
	}
	var e evidence.Evidence
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal latest: %w", err)
	}
	return &e, nil
}

func (s *Store) GetHistory() ([]evidence.Evidence, error) {
	rows, err := s.db.Query(`SELECT evidence FROM kernel_evidence ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query history: %w", err)
	}
	defer rows.Close()

	var out []evidence.Evidence
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan row: %w", err)
		}
		var e evidence.Evidence
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

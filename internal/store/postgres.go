package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the store with Postgres. First-write-wins on results
// comes from the primary key plus ON CONFLICT DO NOTHING.
//
// Schema:
//
//	CREATE TABLE project_snapshots (
//	  project_id VARCHAR(255) PRIMARY KEY,
//	  row JSONB NOT NULL,
//	  updated_at TIMESTAMPTZ DEFAULT NOW()
//	);
//	CREATE TABLE scenario_results (
//	  scenario_id VARCHAR(64) PRIMARY KEY,
//	  result JSONB NOT NULL,
//	  expires_at TIMESTAMPTZ NOT NULL,
//	  created_at TIMESTAMPTZ DEFAULT NOW()
//	);
//	CREATE INDEX idx_scenario_results_expires ON scenario_results(expires_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings with a 5s timeout.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) PutSnapshot(ctx context.Context, snap StoredSnapshot) error {
	if snap.ProjectID == "" {
		return fmt.Errorf("store: snapshot missing project id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO project_snapshots (project_id, row, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE
		SET row = EXCLUDED.row, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, snap.ProjectID, data); err != nil {
		return fmt.Errorf("store: postgres put snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, projectID string) (*StoredSnapshot, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT row FROM project_snapshots WHERE project_id = $1`, projectID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: postgres get snapshot: %w", err)
	}

	var snap StoredSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (p *PostgresStore) PutResult(ctx context.Context, scenarioID string, payload any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal result: %w", err)
	}
	stored := StoredResult{
		ScenarioID: scenarioID,
		Payload:    data,
		StoredAt:   time.Now().UTC(),
	}
	wrapped, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("store: marshal result envelope: %w", err)
	}

	query := `
		INSERT INTO scenario_results (scenario_id, result, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scenario_id) DO NOTHING
	`
	tag, err := p.pool.Exec(ctx, query, scenarioID, wrapped, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("store: postgres put result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) GetResult(ctx context.Context, scenarioID string) (*StoredResult, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT result FROM scenario_results WHERE scenario_id = $1 AND expires_at > NOW()`,
		scenarioID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: postgres get result: %w", err)
	}

	var result StoredResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &result, nil
}

func (p *PostgresStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT project_id FROM project_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store: postgres list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: postgres scan project: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: postgres list projects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// CleanupExpired deletes expired scenario results, for the maintenance cron.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM scenario_results WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

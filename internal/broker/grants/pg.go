package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists registrations in Postgres. Permission and station lists
// live in JSONB columns.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Schema creates the backing table.
const Schema = `
CREATE TABLE IF NOT EXISTS auth_applications (
    app_key     TEXT PRIMARY KEY,
    app_name    TEXT NOT NULL,
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    permissions JSONB NOT NULL DEFAULT '[]',
    stations    JSONB NOT NULL DEFAULT '[]',
    configs     JSONB NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate auth_applications: %w", err)
	}
	return nil
}

// GetByKey implements Store.
func (s *PGStore) GetByKey(ctx context.Context, appKey string) (*Application, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT app_key, app_name, active, permissions, stations, configs
		FROM auth_applications
		WHERE app_key = $1`, appKey)

	var (
		app         Application
		permissions []byte
		stations    []byte
		configs     []byte
	)
	err := row.Scan(&app.AppKey, &app.AppName, &app.Active, &permissions, &stations, &configs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query application %q: %w", appKey, err)
	}

	if err := json.Unmarshal(permissions, &app.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions for %q: %w", appKey, err)
	}
	if err := json.Unmarshal(stations, &app.Stations); err != nil {
		return nil, fmt.Errorf("decode stations for %q: %w", appKey, err)
	}
	if err := json.Unmarshal(configs, &app.Configs); err != nil {
		return nil, fmt.Errorf("decode configs for %q: %w", appKey, err)
	}
	return &app, nil
}

// Put implements Store.
func (s *PGStore) Put(ctx context.Context, app *Application) error {
	permissions, err := json.Marshal(app.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	stations, err := json.Marshal(app.Stations)
	if err != nil {
		return fmt.Errorf("encode stations: %w", err)
	}
	configs, err := json.Marshal(app.Configs)
	if err != nil {
		return fmt.Errorf("encode configs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_applications (app_key, app_name, active, permissions, stations, configs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (app_key) DO UPDATE SET
			app_name = EXCLUDED.app_name,
			active = EXCLUDED.active,
			permissions = EXCLUDED.permissions,
			stations = EXCLUDED.stations,
			configs = EXCLUDED.configs,
			updated_at = now()`,
		app.AppKey, app.AppName, app.Active, permissions, stations, configs)
	if err != nil {
		return fmt.Errorf("upsert application %q: %w", app.AppKey, err)
	}
	return nil
}

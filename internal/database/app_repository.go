package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const secretBytes = 32

// AppRepo implements domain.AppRepository and domain.KeyRepository backed by
// PostgreSQL.
type AppRepo struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AppRepository = (*AppRepo)(nil)
	_ domain.KeyRepository = (*AppRepo)(nil)
)

// NewAppRepo creates an AppRepo from the shared connection pool.
func NewAppRepo(pool *pgxpool.Pool) *AppRepo {
	return &AppRepo{pool: pool}
}

// CreateApp inserts an app together with its first API key. The key secret is
// generated here and only ever leaves the database in this return value.
func (r *AppRepo) CreateApp(ctx context.Context, name string, capabilities domain.CapabilitySet) (*domain.App, *domain.APIKey, error) {
	if len(capabilities) == 0 {
		capabilities = domain.DefaultCapabilities()
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, nil, err
	}

	capJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}

	app := &domain.App{ID: uuid.NewString(), Name: name}
	key := &domain.APIKey{
		ID:           uuid.NewString(),
		Secret:       secret,
		AppID:        app.ID,
		Capabilities: capabilities,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	err = tx.QueryRow(ctx, `
		INSERT INTO apps (id, name, created_at)
		VALUES ($1, $2, NOW())
		RETURNING created_at
	`, app.ID, app.Name).Scan(&app.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert app: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO api_keys (id, secret, app_id, capabilities, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, key.ID, key.Secret, key.AppID, capJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert api key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return app, key, nil
}

// GetKey looks up an API key by ID, with its capability grants parsed.
func (r *AppRepo) GetKey(ctx context.Context, id string) (*domain.APIKey, error) {
	var (
		key     domain.APIKey
		capJSON []byte
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, secret, app_id, capabilities
		FROM api_keys
		WHERE id = $1
	`, id).Scan(&key.ID, &key.Secret, &key.AppID, &capJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(capJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities for key %s: %w", id, err)
	}
	key.Capabilities, err = domain.ParseCapabilities(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid capabilities for key %s: %w", id, err)
	}

	return &key, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

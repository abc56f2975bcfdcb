package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetConnection fetches one provider connection by id.
func (c *Client) GetConnection(ctx context.Context, id string) (*ProviderConnection, error) {
	var conn ProviderConnection
	err := c.db.GetContext(ctx, &conn,
		`SELECT id, organization_id, provider, encrypted_config, expires_at,
		        enabled, created_at, updated_at
		 FROM provider_connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	return &conn, nil
}

// GetConnectionByProvider fetches the enabled connection for one
// (organization, provider) pair.
func (c *Client) GetConnectionByProvider(ctx context.Context, orgID, provider string) (*ProviderConnection, error) {
	var conn ProviderConnection
	err := c.db.GetContext(ctx, &conn,
		`SELECT id, organization_id, provider, encrypted_config, expires_at,
		        enabled, created_at, updated_at
		 FROM provider_connections
		 WHERE organization_id = $1 AND provider = $2 AND enabled = TRUE`,
		orgID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s/%s: %w", orgID, provider, err)
	}
	return &conn, nil
}

// SaveConnection inserts or replaces a provider connection.
func (c *Client) SaveConnection(ctx context.Context, conn *ProviderConnection) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO provider_connections
		   (id, organization_id, provider, encrypted_config, expires_at, enabled)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
		   encrypted_config = EXCLUDED.encrypted_config,
		   expires_at = EXCLUDED.expires_at,
		   enabled = EXCLUDED.enabled,
		   updated_at = NOW()`,
		conn.ID, conn.OrganizationID, conn.Provider, conn.EncryptedConfig,
		conn.ExpiresAt, conn.Enabled)
	if err != nil {
		return fmt.Errorf("save connection %s: %w", conn.ID, err)
	}
	return nil
}

// UpdateConnectionTokens persists a refreshed (re-encrypted) token payload.
func (c *Client) UpdateConnectionTokens(ctx context.Context, id string, encryptedConfig []byte, expiresAt *time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE provider_connections
		 SET encrypted_config = $1, expires_at = $2, updated_at = NOW()
		 WHERE id = $3`,
		encryptedConfig, expiresAt, id)
	if err != nil {
		return fmt.Errorf("update connection tokens %s: %w", id, err)
	}
	return nil
}

package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/db"
)

var (
	ErrNotConnected = errors.New("connections: provider not connected")
	ErrDisabled     = errors.New("connections: connection disabled")
	ErrWrongOrg     = errors.New("connections: connection belongs to another organization")
)

// TokenConfig is the decrypted credential payload of a connection.
type TokenConfig struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Connection is a decrypted provider connection. It is the sole unit of
// cross-tenant access: every tool call resolves one and validates tenancy.
type Connection struct {
	ID             string
	OrganizationID string
	Provider       string
	Tokens         TokenConfig
	ExpiresAt      *time.Time
	Enabled        bool
}

// DB is the persistence surface the store needs.
type DB interface {
	GetConnection(ctx context.Context, id string) (*db.ProviderConnection, error)
	GetConnectionByProvider(ctx context.Context, orgID, provider string) (*db.ProviderConnection, error)
	SaveConnection(ctx context.Context, conn *db.ProviderConnection) error
	UpdateConnectionTokens(ctx context.Context, id string, encryptedConfig []byte, expiresAt *time.Time) error
}

// Store reads and writes connections, owning the encryption of their token
// payloads at rest.
type Store struct {
	db     DB
	cipher *Cipher
	logger *zap.Logger
}

func NewStore(database DB, cipher *Cipher, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		cipher: cipher,
		logger: logger,
	}
}

// Get resolves the enabled connection for an (organization, provider) pair.
func (s *Store) Get(ctx context.Context, orgID, provider string) (*Connection, error) {
	rec, err := s.db.GetConnectionByProvider(ctx, orgID, provider)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	return s.decode(rec)
}

// GetByID resolves a connection by id, enforcing tenancy: a caller from
// another organization gets ErrWrongOrg, never the record.
func (s *Store) GetByID(ctx context.Context, orgID, id string) (*Connection, error) {
	rec, err := s.db.GetConnection(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if rec.OrganizationID != orgID {
		return nil, ErrWrongOrg
	}
	if !rec.Enabled {
		return nil, ErrDisabled
	}
	return s.decode(rec)
}

// Save encrypts and persists the connection. A missing ID is assigned.
func (s *Store) Save(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	encrypted, err := s.seal(conn.Tokens)
	if err != nil {
		return err
	}
	return s.db.SaveConnection(ctx, &db.ProviderConnection{
		ID:              conn.ID,
		OrganizationID:  conn.OrganizationID,
		Provider:        conn.Provider,
		EncryptedConfig: encrypted,
		ExpiresAt:       conn.ExpiresAt,
		Enabled:         conn.Enabled,
	})
}

// UpdateTokens re-encrypts and persists a refreshed token payload.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens TokenConfig, expiresAt *time.Time) error {
	encrypted, err := s.seal(tokens)
	if err != nil {
		return err
	}
	return s.db.UpdateConnectionTokens(ctx, id, encrypted, expiresAt)
}

func (s *Store) seal(tokens TokenConfig) ([]byte, error) {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal token config: %w", err)
	}
	return s.cipher.Encrypt(payload)
}

func (s *Store) decode(rec *db.ProviderConnection) (*Connection, error) {
	plain, err := s.cipher.Decrypt(rec.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("decrypt connection %s: %w", rec.ID, err)
	}
	var tokens TokenConfig
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return nil, fmt.Errorf("decode connection %s: %w", rec.ID, err)
	}
	return &Connection{
		ID:             rec.ID,
		OrganizationID: rec.OrganizationID,
		Provider:       rec.Provider,
		Tokens:         tokens,
		ExpiresAt:      rec.ExpiresAt,
		Enabled:        rec.Enabled,
	}, nil
}

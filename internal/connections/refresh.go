package connections

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/weaverhq/weaver/internal/metrics"
)

var (
	ErrTokenExpired  = errors.New("connections: token expired and no refresh token")
	ErrNoOAuthConfig = errors.New("connections: no oauth config for provider")
)

// Refresher keeps connection tokens fresh. Refreshes for the same
// connection are single-flight: concurrent callers wait for the first
// refresh and reuse its outcome.
type Refresher struct {
	store  *Store
	window time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	oauth    map[string]*oauth2.Config
	inflight map[string]*refreshOutcome
}

type refreshOutcome struct {
	done  chan struct{}
	token string
	exp   *time.Time
	err   error
}

func NewRefresher(store *Store, window time.Duration, logger *zap.Logger) *Refresher {
	if window <= 0 {
		window = time.Minute
	}
	return &Refresher{
		store:    store,
		window:   window,
		logger:   logger,
		oauth:    make(map[string]*oauth2.Config),
		inflight: make(map[string]*refreshOutcome),
	}
}

// RegisterOAuth declares the refresh flow for one provider.
func (r *Refresher) RegisterOAuth(provider string, cfg *oauth2.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oauth[provider] = cfg
}

// EnsureFreshToken returns a usable access token for the connection,
// refreshing it first when expiry is past or within the refresh window.
// The refreshed payload is re-encrypted and persisted, and conn is
// updated in place.
func (r *Refresher) EnsureFreshToken(ctx context.Context, conn *Connection) (string, error) {
	expiry := r.expiry(conn)
	if expiry == nil || time.Until(*expiry) > r.window {
		return conn.Tokens.AccessToken, nil
	}
	if conn.Tokens.RefreshToken == "" {
		if time.Now().After(*expiry) {
			return "", ErrTokenExpired
		}
		// Imminent but still valid and nothing we can do about it.
		return conn.Tokens.AccessToken, nil
	}
	return r.refresh(ctx, conn)
}

// expiry prefers the stored expiry and falls back to probing the access
// token itself for a JWT exp claim.
func (r *Refresher) expiry(conn *Connection) *time.Time {
	if conn.ExpiresAt != nil {
		return conn.ExpiresAt
	}
	return jwtExpiry(conn.Tokens.AccessToken)
}

func (r *Refresher) refresh(ctx context.Context, conn *Connection) (string, error) {
	r.mu.Lock()
	if fl, ok := r.inflight[conn.ID]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if fl.err != nil {
			return "", fl.err
		}
		conn.Tokens.AccessToken = fl.token
		conn.ExpiresAt = fl.exp
		return fl.token, nil
	}
	fl := &refreshOutcome{done: make(chan struct{})}
	r.inflight[conn.ID] = fl
	r.mu.Unlock()

	fl.token, fl.exp, fl.err = r.doRefresh(ctx, conn)
	close(fl.done)

	r.mu.Lock()
	delete(r.inflight, conn.ID)
	r.mu.Unlock()

	if fl.err != nil {
		return "", fl.err
	}
	return fl.token, nil
}

func (r *Refresher) doRefresh(ctx context.Context, conn *Connection) (string, *time.Time, error) {
	r.mu.Lock()
	cfg := r.oauth[conn.Provider]
	r.mu.Unlock()
	if cfg == nil {
		return "", nil, ErrNoOAuthConfig
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.Tokens.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(conn.Provider, "failure").Inc()
		r.logger.Warn("Token refresh failed",
			zap.String("provider", conn.Provider),
			zap.String("connection_id", conn.ID),
			zap.Error(err))
		return "", nil, err
	}
	metrics.TokenRefreshes.WithLabelValues(conn.Provider, "success").Inc()

	tokens := conn.Tokens
	tokens.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		tokens.RefreshToken = tok.RefreshToken
	}
	var exp *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		exp = &e
	}

	if err := r.store.UpdateTokens(ctx, conn.ID, tokens, exp); err != nil {
		r.logger.Warn("Failed to persist refreshed tokens",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
	}

	conn.Tokens = tokens
	conn.ExpiresAt = exp
	return tokens.AccessToken, exp, nil
}

func jwtExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

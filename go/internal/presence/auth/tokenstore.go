package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// Querier is the part of *pgxpool.Pool the token store needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const lookupTokenSQL = `
SELECT u.id, u.tenant_id, u.display_name,
       ARRAY(SELECT tm.team_id FROM team_members tm WHERE tm.user_id = u.id ORDER BY tm.team_id)::bigint[]
FROM api_tokens t
JOIN users u ON u.id = t.user_id
WHERE t.token_hash = $1
  AND t.revoked_at IS NULL
  AND (t.expires_at IS NULL OR t.expires_at > now())`

const insertTokenSQL = `
INSERT INTO api_tokens (token_hash, user_id, label, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING id`

// TokenStore authenticates opaque API tokens stored (hashed) in Postgres.
type TokenStore struct {
	db Querier
}

// NewTokenStore creates a token store backed by db.
func NewTokenStore(db Querier) *TokenStore {
	return &TokenStore{db: db}
}

// OpenTokenStore opens a pgx pool from cfg and checks it can reach the
// database.
func OpenTokenStore(ctx context.Context, cfg *pgxpool.Config) (*TokenStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open token store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping token store: %w", err)
	}
	return NewTokenStore(pool), pool, nil
}

func (s *TokenStore) Authenticate(ctx context.Context, credential string) (presence.Identity, error) {
	var id presence.Identity
	err := s.db.QueryRow(ctx, lookupTokenSQL, HashToken(credential)).
		Scan(&id.UserID, &id.TenantID, &id.UserName, &id.TeamIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return presence.Identity{}, ErrUnauthorized
		}
		return presence.Identity{}, fmt.Errorf("lookup api token: %w", err)
	}
	if !id.Valid() {
		return presence.Identity{}, ErrUnauthorized
	}
	return id, nil
}

// HashToken is how tokens are stored in api_tokens.token_hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create stores a new API token for userID and returns the plaintext token.
// Only its hash is persisted. A zero ttl means the token never expires.
func (s *TokenStore) Create(ctx context.Context, userID int64, label string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	token := "pc_" + hex.EncodeToString(raw)

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expiresAt = &t
	}

	var id int64
	if err := s.db.QueryRow(ctx, insertTokenSQL, HashToken(token), userID, label, expiresAt).Scan(&id); err != nil {
		return "", fmt.Errorf("insert api token: %w", err)
	}
	return token, nil
}

// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/registry"
)

const testSecret = "test-secret-key"

func newTestAuthenticator(t *testing.T) (*Authenticator, *registry.Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store := registry.OpenDB(db)
	require.NoError(t, store.EnsureSchema(context.Background()))

	validator, err := NewTokenValidator(context.Background(), config.AuthConfig{
		SharedSecret: testSecret,
		Issuer:       "https://idp.example.com",
	})
	require.NoError(t, err)

	return NewAuthenticator(validator, store), store
}

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()

	b := jwt.NewBuilder().
		Subject("u-1").
		Issuer("https://idp.example.com").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("roles", []string{"finance_user"}).
		Claim("scope", "search include_deprecated").
		Claim("department", "finance")
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func seedUser(t *testing.T, store *registry.Store, id, roles, attrs string, active int) {
	t.Helper()
	_, err := store.DB().Exec(
		`INSERT INTO users (id, roles, attributes, active) VALUES (?, ?, ?, ?)`,
		id, roles, attrs, active)
	require.NoError(t, err)
}

func TestAuthenticateCredentialRules(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = a.Authenticate(ctx, "sometoken", "somekey")
	assert.ErrorIs(t, err, ErrMultipleCredentials)
}

func TestAuthenticateValidToken(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	ident, err := a.Authenticate(context.Background(), signToken(t, nil), "")
	require.NoError(t, err)

	assert.Equal(t, "u-1", ident.ID)
	assert.Equal(t, []string{"finance_user"}, ident.Roles)
	assert.Equal(t, []string{"search", "include_deprecated"}, ident.Scopes)
	assert.Equal(t, "finance", ident.Attributes["department"])
	assert.True(t, ident.Active)
}

func TestAuthenticateTokenRegistryUserWins(t *testing.T) {
	a, store := newTestAuthenticator(t)
	seedUser(t, store, "u-1", `["admin"]`, `{"region": "eu"}`, 1)

	ident, err := a.Authenticate(context.Background(), signToken(t, nil), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"admin"}, ident.Roles)
	assert.Equal(t, "eu", ident.Attributes["region"])
	// Token-only attributes survive the merge.
	assert.Equal(t, "finance", ident.Attributes["department"])
}

func TestAuthenticateInactiveUser(t *testing.T) {
	a, store := newTestAuthenticator(t)
	seedUser(t, store, "u-1", `[]`, `{}`, 0)

	_, err := a.Authenticate(context.Background(), signToken(t, nil), "")
	assert.ErrorIs(t, err, ErrInactiveIdentity)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	expired := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Hour))
	})
	_, err := a.Authenticate(context.Background(), expired, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateWrongIssuer(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	bad := signToken(t, func(b *jwt.Builder) {
		b.Issuer("https://evil.example.com")
	})
	_, err := a.Authenticate(context.Background(), bad, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateAPIKey(t *testing.T) {
	a, store := newTestAuthenticator(t)
	seedUser(t, store, "u-1", `["finance_user"]`, `{"department": "finance"}`, 1)

	rawKey := "ck_live_0123456789"
	_, err := store.DB().Exec(
		`INSERT INTO api_keys (id, user_id, key_hash, scopes, rate_limit, active)
		 VALUES ('k-1', 'u-1', ?, '["search"]', 120, 1)`, HashKey(rawKey))
	require.NoError(t, err)

	ident, err := a.Authenticate(context.Background(), "", rawKey)
	require.NoError(t, err)

	assert.Equal(t, "u-1", ident.ID)
	assert.Equal(t, []string{"finance_user"}, ident.Roles)
	assert.Equal(t, []string{"search"}, ident.Scopes)
	assert.Equal(t, 120, ident.RateLimitOverride)
}

func TestAuthenticateAPIKeyRejections(t *testing.T) {
	a, store := newTestAuthenticator(t)
	seedUser(t, store, "u-1", `[]`, `{}`, 1)

	past := time.Now().Add(-time.Hour)
	_, err := store.DB().Exec(
		`INSERT INTO api_keys (id, user_id, key_hash, scopes, active, expires_at)
		 VALUES ('k-exp', 'u-1', ?, '[]', 1, ?)`, HashKey("expired-key"), past)
	require.NoError(t, err)
	_, err = store.DB().Exec(
		`INSERT INTO api_keys (id, user_id, key_hash, scopes, active)
		 VALUES ('k-off', 'u-1', ?, '[]', 0)`, HashKey("disabled-key"))
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"never-issued", "expired-key", "disabled-key"} {
		_, err := a.Authenticate(ctx, "", key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestAuditLogWritesAndDrops(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	log, err := NewAuditLog(context.Background(), db, 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		log.Record(AuditEvent{UserID: "u-1", Action: "search", Outcome: OutcomeAllowed})
	}
	log.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM auth_audit`).Scan(&count))
	assert.Equal(t, 3, count)
	assert.Zero(t, log.Dropped())
}

func TestAuditLogOverflowDropsOldest(t *testing.T) {
	// No writer goroutine: the queue stays full so the overflow path is
	// deterministic.
	log := &AuditLog{events: make(chan AuditEvent, 2)}

	log.Record(AuditEvent{Action: "first"})
	log.Record(AuditEvent{Action: "second"})
	log.Record(AuditEvent{Action: "third"})

	assert.Equal(t, uint64(1), log.Dropped())

	assert.Equal(t, "second", (<-log.events).Action)
	assert.Equal(t, "third", (<-log.events).Action)
}

package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/pkg/tokenstore"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func newCaching(source Source, now *time.Time) *Caching {
	clock := func() time.Time { return *now }
	store := tokenstore.NewMemoryStoreWithClock(clock)
	return NewCaching(source, store, CachingConfig{Skew: 30 * time.Second, Now: clock}, zerolog.Nop())
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = Static("  ").CurrentToken(context.Background())
	assert.ErrorIs(t, err, perrors.ErrCredentialUnavailable)
}

func TestExpiry(t *testing.T) {
	exp := testNow.Add(time.Hour)
	got, ok := Expiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = Expiry("opaque-token")
	assert.False(t, ok)
}

func TestCaching_CachesUntilStale(t *testing.T) {
	now := testNow
	calls := 0
	tokens := []string{signedToken(t, testNow.Add(5*time.Minute)), signedToken(t, testNow.Add(time.Hour))}
	c := newCaching(func(context.Context) (string, error) {
		tok := tokens[calls]
		calls++
		return tok, nil
	}, &now)

	first, err := c.CurrentToken(context.Background())
	require.NoError(t, err)
	again, err := c.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, calls)

	// Inside the skew window the cached token counts as stale.
	now = testNow.Add(5*time.Minute - 10*time.Second)
	refreshed, err := c.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens[1], refreshed)
	assert.Equal(t, 2, calls)
}

func TestCaching_StaleFromSource(t *testing.T) {
	now := testNow
	c := newCaching(func(context.Context) (string, error) {
		return signedToken(t, testNow.Add(-time.Minute)), nil
	}, &now)

	_, err := c.CurrentToken(context.Background())
	assert.ErrorIs(t, err, perrors.ErrCredentialUnavailable)
}

func TestCaching_SourceFailure(t *testing.T) {
	now := testNow
	c := newCaching(func(context.Context) (string, error) {
		return "", errors.New("provider offline")
	}, &now)

	_, err := c.CurrentToken(context.Background())
	assert.ErrorIs(t, err, perrors.ErrCredentialUnavailable)
	assert.Contains(t, err.Error(), "provider offline")
}

func TestCaching_OpaqueTokenAndInvalidate(t *testing.T) {
	now := testNow
	calls := 0
	c := newCaching(func(context.Context) (string, error) {
		calls++
		return "opaque", nil
	}, &now)

	_, err := c.CurrentToken(context.Background())
	require.NoError(t, err)
	_, err = c.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, c.Invalidate(context.Background()))
	_, err = c.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  tok-from-file\n"), 0o600))

	tok, err := FileSource(path)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-from-file", tok)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	_, err = FileSource(path)(context.Background())
	assert.Error(t, err)

	_, err = FileSource(filepath.Join(t.TempDir(), "missing"))(context.Background())
	assert.Error(t, err)
}

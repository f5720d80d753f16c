package api

import (
	"context"
	"testing"
	"time"

	"github.com/nkwon/metrotales/internal/testutil"
	"github.com/nkwon/metrotales/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtRoundTrip(t *testing.T) {
	s := &App{log: testutil.TestLogger(t), signingKey: []byte("test-signing-key")}

	token, err := s.createJwtForSession(types.User{Id: 42, Username: "mina"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userId, err := s.extractUserIdFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, userId)
}

func TestExtractUserIdFromToken(t *testing.T) {
	t.Run("expired token rejected", func(t *testing.T) {
		s := &App{log: testutil.TestLogger(t), signingKey: []byte("test-signing-key")}

		token, err := s.createJwtForSession(types.User{Id: 42}, -time.Hour)
		require.NoError(t, err)

		_, err = s.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong signing key rejected", func(t *testing.T) {
		s := &App{log: testutil.TestLogger(t), signingKey: []byte("test-signing-key")}
		token, err := s.createJwtForSession(types.User{Id: 42}, time.Hour)
		require.NoError(t, err)

		other := &App{log: testutil.TestLogger(t), signingKey: []byte("different-key")}
		_, err = other.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		s := &App{log: testutil.TestLogger(t), signingKey: []byte("test-signing-key")}
		_, err := s.extractUserIdFromToken("not-a-token")
		assert.Error(t, err)
	})
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, verifyPassword(hash, "correct horse battery staple"))
	assert.False(t, verifyPassword(hash, "wrong password"))
}

func TestUserIdContext(t *testing.T) {
	ctx := WithUserId(context.Background(), 42)

	userId, ok := UserId(ctx)
	assert.True(t, ok)
	assert.Equal(t, 42, userId)

	_, ok = UserId(context.Background())
	assert.False(t, ok)
}

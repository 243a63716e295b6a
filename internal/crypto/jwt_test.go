package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTManager_RoundTrip(t *testing.T) {
	m, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.CreateAppToken("app-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	appID, err := m.VerifyAppToken(token)
	require.NoError(t, err)
	require.Equal(t, "app-123", appID)
}

func TestJWTManager_ShortSecret(t *testing.T) {
	_, err := NewJWTManager("too-short", time.Hour)
	require.Error(t, err)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	m1, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager(strings.Repeat("x", 32), time.Hour)
	require.NoError(t, err)

	token, err := m1.CreateAppToken("app-123")
	require.NoError(t, err)

	_, err = m2.VerifyAppToken(token)
	require.Error(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	m, err := NewJWTManager(testSecret, time.Millisecond)
	require.NoError(t, err)

	token, err := m.CreateAppToken("app-123")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = m.VerifyAppToken(token)
	require.Error(t, err)
}

func TestJWTManager_Garbage(t *testing.T) {
	m, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	_, err = m.VerifyAppToken("not.a.token")
	require.Error(t, err)
}

package syncserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "phone-abc", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "phone-abc", claims.DeviceID)
	require.Equal(t, "recipe-galaxy-sync", claims.Issuer)
}

func TestJWTExpiredToken(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "phone-abc", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "phone-abc", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTIdentityFromRequest(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "phone-abc", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "/sync/apply", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := auth.GetUserID(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	sourceID, err := auth.GetSourceID(req)
	require.NoError(t, err)
	require.Equal(t, "phone-abc", sourceID)
}

func TestJWTRejectsMissingOrMalformedHeader(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	req, err := http.NewRequest(http.MethodPost, "/sync/apply", nil)
	require.NoError(t, err)

	_, err = auth.GetUserID(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.GetUserID(req)
	require.Error(t, err)
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestIssueAndParseToken(t *testing.T) {
	tests := []struct {
		name  string
		role  string
		admin bool
	}{
		{"member", "", false},
		{"admin", RoleAdmin, true},
		{"other role", "viewer", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token, err := IssueToken("user-1", tc.role, testSecret, time.Hour)
			require.NoError(t, err)

			claims, err := ParseToken(token, testSecret)
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.UserID)
			assert.Equal(t, tc.admin, claims.IsAdmin())
		})
	}
}

func TestParseToken_Rejects(t *testing.T) {
	expired, err := IssueToken("user-1", "", testSecret, -time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueToken("user-1", "", "other-secret", time.Hour)
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": wrongKey,
		"no sub":    noSub,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(token, testSecret)
			assert.Error(t, err)
		})
	}
}

func TestDriveHTTPClient(t *testing.T) {
	_, err := DriveHTTPClient(context.Background(), "", "")
	assert.Error(t, err)

	_, err = DriveHTTPClient(context.Background(), "{not json", "")
	assert.Error(t, err)

	creds := `{
		"type": "service_account",
		"client_email": "sync@example.iam.gserviceaccount.com",
		"private_key": "unused",
		"token_uri": "https://oauth2.googleapis.com/token"
	}`
	client, err := DriveHTTPClient(context.Background(), creds, "owner@example.com")
	require.NoError(t, err)
	assert.NotNil(t, client)
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-testing-only"

func TestNewJWTManager(t *testing.T) {
	_, err := NewJWTManager("")
	assert.Error(t, err)

	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	assert.Equal(t, "HS256", jm.algorithm)
}

func TestGenerateAndValidateToken(t *testing.T) {
	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	token, err := jm.GenerateToken(ctx, "ops-dashboard", []string{RoleViewer}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := jm.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ops-dashboard", claims.Subject)
	assert.Equal(t, []string{RoleViewer}, claims.Roles)
	assert.Equal(t, issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.HasRole(RoleViewer))
	assert.False(t, claims.HasRole("writer"))
}

func TestValidateTokenRejects(t *testing.T) {
	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	other, err := NewJWTManager("another-secret-entirely-different")
	require.NoError(t, err)
	ctx := context.Background()

	expired, err := jm.GenerateToken(ctx, "ops", nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.GenerateToken(ctx, "ops", nil, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", foreign},
		{"garbage", "not.a.token"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jm.ValidateToken(ctx, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestRotateSigningKey(t *testing.T) {
	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	old, err := jm.GenerateToken(ctx, "ops", nil, time.Hour)
	require.NoError(t, err)
	_, oldKID := jm.key()

	require.Error(t, jm.RotateSigningKey(ctx, ""))
	require.NoError(t, jm.RotateSigningKey(ctx, "rotated-secret-0123456789"))

	_, newKID := jm.key()
	assert.NotEqual(t, oldKID, newKID)

	_, err = jm.ValidateToken(ctx, old)
	assert.Error(t, err, "tokens signed with the previous key must be rejected")

	fresh, err := jm.GenerateToken(ctx, "ops", nil, time.Hour)
	require.NoError(t, err)
	_, err = jm.ValidateToken(ctx, fresh)
	assert.NoError(t, err)
}

func TestAdminImpliesEveryRole(t *testing.T) {
	c := &Claims{Roles: []string{RoleAdmin}}
	assert.True(t, c.HasRole(RoleViewer))
	assert.False(t, (&Claims{}).HasRole(RoleViewer))
}

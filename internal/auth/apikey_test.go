package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyVerifierPlain(t *testing.T) {
	v := NewAPIKeyVerifier("agent-key", "")

	assert.True(t, v.Verify("agent-key"))
	assert.False(t, v.Verify("agent-kex"))
	assert.False(t, v.Verify(""))
}

func TestAPIKeyVerifierHash(t *testing.T) {
	hash, err := HashAPIKey("hashed-key")
	require.NoError(t, err)

	// the hash wins over a plain key
	v := NewAPIKeyVerifier("plain-key", hash)
	assert.True(t, v.Verify("hashed-key"))
	assert.False(t, v.Verify("plain-key"))
}

func TestAPIKeyVerifierUnconfigured(t *testing.T) {
	v := NewAPIKeyVerifier("", "")
	assert.False(t, v.Verify("anything"))
}

func TestAPIKeyVerifierRotate(t *testing.T) {
	v := NewAPIKeyVerifier("first", "")
	v.Rotate("second", "")

	assert.False(t, v.Verify("first"))
	assert.True(t, v.Verify("second"))
}

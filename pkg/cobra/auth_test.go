package cobra

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestComputeAuthHashNonceRoundTrip pins the exact literal vector the
// RTM authenticator must produce: Base64(HMAC-MD5(key=secret, data=nonce)).
func TestComputeAuthHashNonceRoundTrip(t *testing.T) {
	const nonce = "MTI0Njg4NTAyMjYxMzgxMzgzMg=="
	const secret = "supersecret"
	const want = "hhFBGJmGYjmf60oxVBLyUg=="

	require.Equal(t, want, computeAuthHash(secret, nonce))
}

func TestComputeAuthHashDifferentNoncesDiffer(t *testing.T) {
	h1 := computeAuthHash("supersecret", "nonceA")
	h2 := computeAuthHash("supersecret", "nonceB")
	require.NotEqual(t, h1, h2)
}

func TestComputeAuthHashDifferentSecretsDiffer(t *testing.T) {
	h1 := computeAuthHash("secretA", "sameNonce")
	h2 := computeAuthHash("secretB", "sameNonce")
	require.NotEqual(t, h1, h2)
}

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, kp.Private, [KeySize]byte{})

	parsed, err := ParsePrivate(kp.EncodePrivate())
	require.NoError(t, err)
	require.Equal(t, kp, parsed)

	pub, err := ParsePublic(kp.EncodePublic())
	require.NoError(t, err)
	require.Equal(t, kp.Public, pub)
}

func TestParsePrivateRejectsBadLength(t *testing.T) {
	_, err := ParsePrivate("AAAA")
	require.Error(t, err)
}

package replicache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("[]"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte(`{"id":"1"}`)).IsZero())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte(`[{"id":"e1"}]`))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashDetectsChange(t *testing.T) {
	a := HashBytes([]byte(`[{"id":"e1","hours":7.5}]`))
	b := HashBytes([]byte(`[{"id":"e1","hours":8}]`))
	require.NotEqual(t, a, b)
	require.Equal(t, a, HashBytes([]byte(`[{"id":"e1","hours":7.5}]`)))
}

package crypto

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAtDeterministic(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "key", Secret: "secret", RecvWindow: 5000}

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")

	first := auth.SignAt(params, 1700000000000)

	params2 := url.Values{}
	params2.Set("symbol", "BTCUSDT")
	params2.Set("side", "BUY")
	second := auth.SignAt(params2, 1700000000000)

	assert.Equal(t, first, second, "same inputs must produce the same signed query")
	assert.Contains(t, first, "timestamp=1700000000000")
	assert.Contains(t, first, "recvWindow=5000")

	// Signature is the final parameter and is 64 hex chars.
	idx := strings.LastIndex(first, "&signature=")
	require.Greater(t, idx, 0)
	sig := first[idx+len("&signature="):]
	assert.Len(t, sig, 64)
}

func TestSignAtDifferentTimestamps(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "key", Secret: "secret"}

	a := auth.SignAt(url.Values{"symbol": {"ETHUSDT"}}, 1)
	b := auth.SignAt(url.Values{"symbol": {"ETHUSDT"}}, 2)
	assert.NotEqual(t, a, b)
}

func TestStringRedacts(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "abcdef123456", Secret: "supersecretvalue"}
	s := auth.String()
	assert.NotContains(t, s, "123456")
	assert.NotContains(t, s, "secretvalue")
	assert.Contains(t, s, "abcd")
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "apikey"}
	h := auth.Headers()
	assert.Equal(t, "apikey", h["X-MBX-APIKEY"])
}

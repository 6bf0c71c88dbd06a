// Package crypto implements request signing for the exchange REST API.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for signed requests. The exchange
// expects the query string (including timestamp and recvWindow) to be signed
// with HMAC-SHA256 and the hex signature appended as the final parameter.
type HMACAuth struct {
	Key        string // API key, sent in the X-MBX-APIKEY header
	Secret     string // API secret, HMAC key
	RecvWindow int64  // recvWindow in milliseconds
}

// Headers returns the HTTP headers carrying the API key.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{
		"X-MBX-APIKEY": h.Key,
	}
}

// Sign adds timestamp, recvWindow, and signature parameters to params and
// returns the encoded query string ready to send.
func (h *HMACAuth) Sign(params url.Values) string {
	return h.SignAt(params, time.Now().UnixMilli())
}

// SignAt is like Sign but lets the caller supply the millisecond timestamp
// (useful for deterministic testing).
func (h *HMACAuth) SignAt(params url.Values, tsMillis int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(tsMillis, 10))
	if h.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(h.RecvWindow, 10))
	}

	encoded := params.Encode()
	sig := hmacSHA256Hex([]byte(h.Secret), encoded)
	return encoded + "&signature=" + sig
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a lowercase hex string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

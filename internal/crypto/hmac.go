package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names for HMAC-signed admin requests.
const (
	HeaderKey       = "X-RG-Key"
	HeaderTimestamp = "X-RG-Timestamp"
	HeaderSignature = "X-RG-Signature"
)

// ErrBadSignature is returned by Verify for any authentication failure.
var ErrBadSignature = errors.New("crypto: bad request signature")

// HMACAuth signs and verifies admin API requests. The signature is
// base64(HMAC-SHA256(secret, timestamp + method + path + body)).
type HMACAuth struct {
	Key    string
	Secret string
	// MaxSkew bounds how far a request timestamp may be from now.
	MaxSkew time.Duration
}

// HeadersAt returns the request headers for a signature made at unixTS.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Headers is HeadersAt for the current time.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// Verify checks a signed request received at now.
func (h *HMACAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if h.Secret == "" || !hmac.Equal([]byte(key), []byte(h.Key)) {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp", ErrBadSignature)
	}
	skew := h.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: timestamp outside allowed skew", ErrBadSignature)
	}
	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrBadSignature
	}
	return nil
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

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

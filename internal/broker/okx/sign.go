package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// signer produces the OK-ACCESS-* headers for OKX v5 private endpoints.
// message = timestamp + method + requestPath [+ body], HMAC-SHA256 over the
// API secret, base64 encoded.
type signer struct {
	apiKey     string
	secret     string
	passphrase string
}

func (s *signer) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// headers returns the auth header set for one request. OKX requires an
// ISO8601 timestamp with millisecond precision.
func (s *signer) headers(method, path, body string, now time.Time) map[string]string {
	timestamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
	return map[string]string{
		"OK-ACCESS-KEY":        s.apiKey,
		"OK-ACCESS-SIGN":       s.sign(timestamp, method, path, body),
		"OK-ACCESS-TIMESTAMP":  timestamp,
		"OK-ACCESS-PASSPHRASE": s.passphrase,
	}
}

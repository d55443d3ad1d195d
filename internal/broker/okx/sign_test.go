package okx

import (
	"testing"
	"time"
)

func TestSignKnownVector(t *testing.T) {
	s := signer{apiKey: "key", secret: "test-secret", passphrase: "phrase"}

	sig := s.sign("2023-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "")
	want := "5biAdbVRTeArbUHyie5alq9grHghsLIrHAkLcP3od0w="
	if sig != want {
		t.Errorf("sign = %q, want %q", sig, want)
	}
}

func TestHeadersTimestampFormat(t *testing.T) {
	s := signer{apiKey: "key", secret: "test-secret", passphrase: "phrase"}
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	h := s.headers("GET", "/api/v5/account/balance", "", now)

	if h["OK-ACCESS-TIMESTAMP"] != "2023-01-01T00:00:00.000Z" {
		t.Errorf("timestamp = %q, want millisecond ISO8601", h["OK-ACCESS-TIMESTAMP"])
	}
	if h["OK-ACCESS-KEY"] != "key" {
		t.Errorf("key header = %q", h["OK-ACCESS-KEY"])
	}
	if h["OK-ACCESS-PASSPHRASE"] != "phrase" {
		t.Errorf("passphrase header = %q", h["OK-ACCESS-PASSPHRASE"])
	}
	if h["OK-ACCESS-SIGN"] == "" {
		t.Error("missing signature header")
	}
}

func TestSanitizeClientID(t *testing.T) {
	got := sanitizeClientID("550e8400-e29b-41d4-a716-446655440000")
	if len(got) > 32 {
		t.Errorf("client id too long: %d chars", len(got))
	}
	for i := 0; i < len(got); i++ {
		c := got[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !alnum {
			t.Errorf("client id contains %q", c)
		}
	}
	if got != "550e8400e29b41d4a716446655440000" {
		t.Errorf("sanitized = %q", got)
	}
}

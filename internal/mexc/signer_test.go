package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	apperrors "mexc_sniper/pkg/errors"
)

func TestSignRequest(t *testing.T) {
	signer := NewSigner("test-key", "test-secret")
	signer.now = func() time.Time { return time.UnixMilli(1700000000000) }

	req, _ := http.NewRequest(http.MethodPost, "https://api.mexc.com/api/v3/order?symbol=AUSDT&side=BUY&type=MARKET&quoteOrderQty=100.00000000", nil)
	if err := signer.SignRequest(req); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	q := req.URL.Query()
	if q.Get("timestamp") != "1700000000000" {
		t.Errorf("Expected timestamp 1700000000000, got %s", q.Get("timestamp"))
	}
	if req.Header.Get("X-MEXC-APIKEY") != "test-key" {
		t.Errorf("Expected API key header, got %q", req.Header.Get("X-MEXC-APIKEY"))
	}

	// Recompute the signature over the canonical (sorted, signature-free) query
	canonical := url.Values{
		"symbol":        {"AUSDT"},
		"side":          {"BUY"},
		"type":          {"MARKET"},
		"quoteOrderQty": {"100.00000000"},
		"timestamp":     {"1700000000000"},
	}.Encode()

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))

	if q.Get("signature") != expected {
		t.Errorf("Signature mismatch: expected %s, got %s", expected, q.Get("signature"))
	}
}

func TestSignRequestMissingSecret(t *testing.T) {
	signer := NewSigner("test-key", "")
	req, _ := http.NewRequest(http.MethodGet, "https://api.mexc.com/api/v3/account", nil)

	err := signer.SignRequest(req)
	if !errors.Is(err, apperrors.ErrConfigMissing) {
		t.Fatalf("Expected ErrConfigMissing, got %v", err)
	}
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner("k", "s")
	if signer.Sign("a=1&b=2") != signer.Sign("a=1&b=2") {
		t.Error("Signature not deterministic")
	}
	if signer.Sign("a=1&b=2") == signer.Sign("a=1&b=3") {
		t.Error("Different inputs produced identical signatures")
	}
}

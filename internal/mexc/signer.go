package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	apperrors "mexc_sniper/pkg/errors"
)

// Signer signs private-endpoint requests in the exchange's v3 scheme: a
// millisecond timestamp is added to the query parameters, the key-sorted
// URL encoding of all parameters is HMAC-SHA256 signed with the secret, and
// the lower-hex signature is appended as the `signature` parameter.
type Signer struct {
	apiKey    string
	secretKey string
	now       func() time.Time
}

// NewSigner creates a request signer for the given credentials
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		secretKey: secretKey,
		now:       time.Now,
	}
}

// SignRequest implements http.Signer
func (s *Signer) SignRequest(req *http.Request) error {
	if s.secretKey == "" {
		return fmt.Errorf("%w: exchange secret key not configured", apperrors.ErrConfigMissing)
	}

	q := req.URL.Query()
	q.Set("timestamp", fmt.Sprintf("%d", s.now().UnixMilli()))

	// Encode sorts by key; this is the canonical string
	canonical := q.Encode()

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(canonical))
	signature := hex.EncodeToString(mac.Sum(nil))

	q.Set("signature", signature)
	req.URL.RawQuery = q.Encode()

	req.Header.Set("X-MEXC-APIKEY", s.apiKey)
	return nil
}

// Sign computes the signature over an already-canonical query string.
// Exposed for verification in tests and tooling.
func (s *Signer) Sign(canonical string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

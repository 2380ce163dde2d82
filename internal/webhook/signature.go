package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	signatureTimestampKey = "ts"
	signatureHashKey      = "h1"
	signaturePartDelim    = ";"
	signatureKeyDelim     = "="
	signedPayloadDelim    = ":"

	defaultMaxSkewSeconds int64 = 300
)

// Verifier checks provider webhook signatures. The provider signs
// "<unix-ts>:<raw body>" with HMAC-SHA256 and sends "ts=<unix>;h1=<hex>".
type Verifier struct {
	secret         []byte
	nowFn          func() int64
	maxSkewSeconds int64
}

// NewVerifier wires a Verifier.
func NewVerifier(secret string, now func() int64) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: empty webhook secret", entitlement.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", entitlement.ErrInvalidServiceConfig)
	}
	return &Verifier{secret: []byte(secret), nowFn: now, maxSkewSeconds: defaultMaxSkewSeconds}, nil
}

// Verify checks the signature header against the raw request body. Any
// failure is a definitive rejection, never retryable.
func (verifier *Verifier) Verify(signatureHeader string, body []byte) error {
	timestampRaw, providedHex, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", entitlement.ErrSignatureInvalid)
	}
	skew := verifier.nowFn() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > verifier.maxSkewSeconds {
		return fmt.Errorf("%w: timestamp outside tolerance", entitlement.ErrSignatureInvalid)
	}
	provided, err := hex.DecodeString(providedHex)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", entitlement.ErrSignatureInvalid)
	}
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write([]byte(timestampRaw))
	mac.Write([]byte(signedPayloadDelim))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", entitlement.ErrSignatureInvalid)
	}
	return nil
}

// Sign produces a header for the given body, used by tests and local tooling.
func (verifier *Verifier) Sign(timestamp int64, body []byte) string {
	timestampRaw := strconv.FormatInt(timestamp, 10)
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write([]byte(timestampRaw))
	mac.Write([]byte(signedPayloadDelim))
	mac.Write(body)
	return signatureTimestampKey + signatureKeyDelim + timestampRaw +
		signaturePartDelim +
		signatureHashKey + signatureKeyDelim + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (timestamp string, digest string, err error) {
	if strings.TrimSpace(header) == "" {
		return "", "", fmt.Errorf("%w: missing signature header", entitlement.ErrSignatureInvalid)
	}
	for _, part := range strings.Split(header, signaturePartDelim) {
		key, value, found := strings.Cut(strings.TrimSpace(part), signatureKeyDelim)
		if !found {
			continue
		}
		switch key {
		case signatureTimestampKey:
			timestamp = value
		case signatureHashKey:
			digest = value
		}
	}
	if timestamp == "" || digest == "" {
		return "", "", fmt.Errorf("%w: incomplete signature header", entitlement.ErrSignatureInvalid)
	}
	return timestamp, digest, nil
}

package invoker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HMACSigner signs invocation bodies so the subprocess can authenticate
// the gateway. A previous secret is honored during rotation so in-flight
// requests signed under the old secret still verify.
type HMACSigner struct {
	secret     []byte
	prevSecret []byte
}

func NewHMACSigner(secret, prevSecret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("invoker: HMAC secret must not be empty")
	}
	s := &HMACSigner{secret: []byte(secret)}
	if prevSecret != "" {
		s.prevSecret = []byte(prevSecret)
	}
	return s, nil
}

// material binds the signature to the canonical body, the nonce, the
// trace id and the issue timestamp.
func material(canonicalBody []byte, nonce, traceID string, issuedAt int64) []byte {
	out := make([]byte, 0, len(canonicalBody)+len(nonce)+len(traceID)+24)
	out = append(out, canonicalBody...)
	out = append(out, '\n')
	out = append(out, nonce...)
	out = append(out, '\n')
	out = append(out, traceID...)
	out = append(out, '\n')
	out = append(out, fmt.Sprintf("%d", issuedAt)...)
	return out
}

// Sign computes the hex HMAC-SHA256 over the canonical material.
func (s *HMACSigner) Sign(canonicalBody []byte, nonce, traceID string, issuedAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(material(canonicalBody, nonce, traceID, issuedAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify accepts signatures under the current secret or, during rotation,
// the previous one.
func (s *HMACSigner) Verify(canonicalBody []byte, nonce, traceID string, issuedAt int64, signature string) bool {
	m := material(canonicalBody, nonce, traceID, issuedAt)
	for _, key := range [][]byte{s.secret, s.prevSecret} {
		if len(key) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(m)
		if hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(signature)) {
			return true
		}
	}
	return false
}

package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer produces and verifies HMAC-SHA256 signatures over receipts. The
// signed payload is the canonical JSON of the receipt's identifying fields;
// encoding/json sorts map keys, which gives us a stable byte layout.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) canonical(r Receipt) ([]byte, error) {
	payload := map[string]interface{}{
		"id":             r.ID,
		"key":            r.Key,
		"action":         string(r.Action),
		"previous_value": r.PreviousValue,
		"new_value":      r.NewValue,
		"operator_id":    r.OperatorID,
		"timestamp":      r.Timestamp.UnixMilli(),
	}
	return json.Marshal(payload)
}

// Sign computes the receipt signature. The Signature field itself is not
// part of the signed payload.
func (s *Signer) Sign(r Receipt) (string, error) {
	body, err := s.canonical(r)
	if err != nil {
		return "", fmt.Errorf("canonicalizing receipt %s: %w", r.ID, err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(r Receipt) (bool, error) {
	want, err := s.Sign(r)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(r.Signature)), nil
}

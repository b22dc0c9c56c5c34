package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// SigningPayload is the canonical (RFC 8785) JSON of req without its sig.
func SigningPayload(req CallRequest) ([]byte, error) {
	req.Sig = ""
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode call for signing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize call: %w", err)
	}
	return canonical, nil
}

// Sign returns hex(HMAC-SHA256(secret, SigningPayload(req))).
func Sign(secret string, req CallRequest) (string, error) {
	payload, err := SigningPayload(req)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func verifySignature(secret string, req CallRequest) bool {
	got, err := hex.DecodeString(strings.TrimSpace(req.Sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, err := Sign(secret, req)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantRaw)
}

// paramsHash fingerprints params for the call ledger without storing them.
func paramsHash(params json.RawMessage) string {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	canonical, err := jcs.Transform(params)
	if err != nil {
		canonical = params
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

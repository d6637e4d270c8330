package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

var (
	// ErrInvalidSignature indicates signature verification failed
	ErrInvalidSignature = errors.New("invalid HMAC signature")
)

// SignHMAC signs the threshold subset using HMAC-SHA256.
//
// Process:
//  1. Generate canonical signature payload
//  2. HMAC-SHA256 the payload directly with the provided key
//  3. Return base64-encoded signature
//
// Pre-hashing is unnecessary since HMAC provides cryptographic security.
//
// Example:
//
//	subset := &ThresholdSubset{
//	    Version:        "2026-Q1",
//	    EffectiveAt:    1767225600,
//	    VibrationLevel: 25.16,
//	    HeatIndex:      30.0,
//	    WorkerDensity:  0.36,
//	}
//	signature, err := SignHMAC(subset, []byte("my-secret-key"))
func SignHMAC(subset *ThresholdSubset, key []byte) (string, error) {
	payload, err := CanonicalJSONBytes(subset)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	sig := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyHMAC verifies an HMAC-SHA256 signature over a threshold subset.
//
// Process:
//  1. Generate canonical signature payload
//  2. HMAC-SHA256 the payload directly with the provided key
//  3. Decode base64 signature and compare using constant-time comparison
//
// Returns nil if verification succeeds, an error otherwise.
func VerifyHMAC(subset *ThresholdSubset, sigB64 string, key []byte) error {
	payload, err := CanonicalJSONBytes(subset)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}

	// Constant-time comparison
	if !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}

	return nil
}

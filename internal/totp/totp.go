// Package totp implements the two pure primitives the confirmation
// engine needs: time-bound HMAC key derivation and device id
// generation. Both take their inputs as plain values and return plain
// values; neither touches the network or a clock directly, which keeps
// them trivially testable.
//
// The key derivation uses stdlib crypto/hmac and crypto/sha1 directly,
// rather than pulling in a
// dedicated TOTP library for a scheme that isn't actually TOTP (it is
// a single time-bound HMAC tag, not a rolling one-time code).
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DeriveConfirmationKey computes the per-request confirmation key: an
// HMAC-SHA1 of the big-endian 8-byte unix timestamp concatenated with
// the UTF-8 tag, keyed by the account's base64-encoded identity
// secret, itself base64-encoded for transport.
func DeriveConfirmationKey(identitySecretB64 string, timeSeconds int64, tag string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(identitySecretB64)
	if err != nil {
		return "", fmt.Errorf("totp: decode identity secret: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(timeSeconds))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	mac.Write([]byte(tag))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DeviceID returns the deterministic device identifier the
// confirmation endpoints require, derived from the account id.
func DeviceID(accountID uint64) string {
	return fmt.Sprintf("android:%016x", accountID)
}

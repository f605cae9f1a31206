// Package btutil converts between the address and key encodings used by
// the boards and the canonical Bluetooth forms.
package btutil

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	addressPattern    = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
	rawAddressPattern = regexp.MustCompile(`^[0-9A-Fa-f]{12}$`)
	rawModelIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]{6}$`)
)

// IsValidAddress reports whether address is a colon-separated Bluetooth
// device address (XX:XX:XX:XX:XX:XX).
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// LSBToAddress converts an address reported in LSB byte order into
// Bluetooth device address form: EEFF33221100 becomes 00:11:22:33:FF:EE.
// An address already in device form passes through unchanged.
func LSBToAddress(lsb string) (string, error) {
	if IsValidAddress(lsb) {
		return lsb, nil
	}
	if !rawAddressPattern.MatchString(lsb) {
		return "", fmt.Errorf("cannot convert %q to a Bluetooth device address", lsb)
	}
	return strings.Join(reverseBytePairs(lsb), ":"), nil
}

// ReverseModelID reverses the byte order of a Fast Pair model ID and adds
// colons: 0x2B677D becomes 7d:67:2b. The 0x prefix is optional.
func ReverseModelID(modelID string) (string, error) {
	id := strings.TrimPrefix(modelID, "0x")
	if !rawModelIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid Fast Pair model ID %q", modelID)
	}
	return strings.ToLower(strings.Join(reverseBytePairs(id), ":")), nil
}

// DecodeFastPairKey decodes a base64 Fast Pair anti-spoofing private key
// into its hex form. The decoded key must be exactly 32 bytes.
func DecodeFastPairKey(key string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("invalid Fast Pair private key %q: %w", key, err)
	}
	if len(decoded) != 32 {
		return "", fmt.Errorf("invalid Fast Pair private key %q: %d bytes decoded, want 32", key, len(decoded))
	}
	return hex.EncodeToString(decoded), nil
}

// reverseBytePairs splits an even-length hex string into two-character
// pairs in reverse order. Callers validate the input shape.
func reverseBytePairs(s string) []string {
	pairs := make([]string, 0, len(s)/2)
	for i := len(s); i >= 2; i -= 2 {
		pairs = append(pairs, s[i-2:i])
	}
	return pairs
}

package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb).
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID converts a UUID to the canonical form BlueZ reports: 128-bit,
// lowercase, dashed. 16- and 32-bit short forms ("2a19", "0x2A19", "0000180d")
// are expanded against the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	in = strings.TrimPrefix(in, "0x")
	if in == "" {
		return "", fmt.Errorf("empty UUID")
	}

	if len(in) == 4 || len(in) == 8 {
		if _, err := strconv.ParseUint(in, 16, 32); err != nil {
			return "", fmt.Errorf("invalid short UUID %q", s)
		}
		return fmt.Sprintf("%08s%s", in, bluetoothBaseSuffix), nil
	}

	u, err := uuid.Parse(in)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// MustNormalizeUUID is NormalizeUUID for constants; it panics on bad input.
func MustNormalizeUUID(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID returns the 16-bit form of a SIG-assigned UUID ("2a19") and any
// other UUID unchanged. Used for display.
func ShortUUID(full string) string {
	f := strings.ToLower(full)
	if len(f) == 36 && strings.HasPrefix(f, "0000") && strings.HasSuffix(f, bluetoothBaseSuffix) {
		return f[4:8]
	}
	return f
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized, err := NormalizeUUID(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %w", i, err)
		}
		result = append(result, normalized)
	}
	return result, nil
}

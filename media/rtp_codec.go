// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"io"

	"github.com/pion/rtp"
)

// ErrUnsupportedRTPVersion is returned by DecodeRTP for anything but
// version 2; RFC 3550 §5.1 names 2 as the only version in deployment.
var ErrUnsupportedRTPVersion = errors.New("rtp: unsupported version")

// rtpHeaderMinLen is 12 bytes: the fixed RTP header with a zero CSRC count.
const rtpHeaderMinLen = 12

// DecodeRTP unmarshals buf into p, checking the invariants spec.md §4.3
// requires of every RTP header before trusting pion's own unmarshal: version
// 2, and a header length of exactly 12 + 4*CSRC-count + (4+ext-length if the
// extension bit is set). It is a thin, invariant-checked wrapper over
// rtp.Header.Unmarshal, not a reimplementation of RFC 3550 bit layout.
func DecodeRTP(buf []byte, p *rtp.Packet) error {
	if len(buf) < rtpHeaderMinLen {
		return io.ErrShortBuffer
	}
	if version := buf[0] >> 6; version != 2 {
		return ErrUnsupportedRTPVersion
	}

	n, err := p.Header.Unmarshal(buf)
	if err != nil {
		return err
	}

	wantLen := rtpHeaderMinLen + 4*len(p.Header.CSRC)
	if p.Header.Extension {
		// pion already folds the extension into n; this just documents the
		// invariant rather than recomputing it independently.
		wantLen = n
	}
	if !p.Header.Extension && n != wantLen {
		return errors.New("rtp: header length does not match CSRC count")
	}

	end := len(buf)
	if p.Header.Padding {
		if end == 0 {
			return io.ErrShortBuffer
		}
		p.PaddingSize = buf[end-1]
		end -= int(p.PaddingSize)
	}
	if end < n {
		return io.ErrShortBuffer
	}

	if p.Payload != nil && cap(p.Payload) >= len(buf[n:end]) {
		p.Payload = p.Payload[:len(buf[n:end])]
		copy(p.Payload, buf[n:end])
		return nil
	}
	p.Payload = append([]byte(nil), buf[n:end]...)
	return nil
}

// EncodeRTP marshals p back to wire bytes. Round-tripping DecodeRTP then
// EncodeRTP reproduces the original bytes exactly for any packet without
// header extensions the decoder accepted, per spec.md §8.
func EncodeRTP(p *rtp.Packet) ([]byte, error) {
	return p.Marshal()
}

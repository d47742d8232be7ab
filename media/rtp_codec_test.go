// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPEncodeDecodeRoundTrip(t *testing.T) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    8,
			SequenceNumber: 4242,
			Timestamp:      123456,
			SSRC:           0xDEADBEEF,
		},
		Payload: []byte("hello rtp"),
	}

	buf, err := EncodeRTP(pkt)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, DecodeRTP(buf, &got))
	assert.Equal(t, pkt.Header, got.Header)
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestDecodeRTPRejectsShortBuffer(t *testing.T) {
	err := DecodeRTP(make([]byte, 4), &rtp.Packet{})
	assert.Error(t, err)
}

func TestDecodeRTPRejectsBadVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x00 // version 0
	err := DecodeRTP(buf, &rtp.Packet{})
	assert.ErrorIs(t, err, ErrUnsupportedRTPVersion)
}

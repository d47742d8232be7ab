// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"net"
	"testing"
	"time"

	"github.com/emiago/sipstack/media/sdp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPPort grabs an OS-assigned loopback port and immediately frees it,
// for use in a test SDP body before the real socket is opened.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func buildSD(t *testing.T, port int, extraAttrs ...string) sdp.SessionDescription {
	t.Helper()
	attrs := append([]string{"sendrecv"}, extraAttrs...)
	sd := sdp.SessionDescription{
		"c": {"IN IP4 127.0.0.1"},
		"m": {"audio " + itoa(port) + " RTP/AVP 0"},
		"a": attrs,
	}
	return sd
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestRtpChannelPlaintextLoopback(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	sdA := buildSD(t, portA)
	mdA, err := sdA.MediaDescription("audio")
	require.NoError(t, err)

	sdB := buildSD(t, portB)
	mdB, err := sdB.MediaDescription("audio")
	require.NoError(t, err)

	chA, err := NewRtpChannel(sdA, sdB, mdA, mdB, RoleOutgoing, false, "alice", WithRTCPPeriod(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, EncryptionNone, chA.Encryption())

	chB, err := NewRtpChannel(sdA, sdB, mdA, mdB, RoleIncoming, false, "bob", WithRTCPPeriod(time.Hour))
	require.NoError(t, err)

	require.NoError(t, chA.StartListening())
	defer chA.Close()
	require.NoError(t, chB.StartListening())
	defer chB.Close()

	received := make(chan *rtp.Packet, 1)
	chB.onRTPReceived = func(pkt *rtp.Packet) { received <- pkt }

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 160, SSRC: 0xABCD},
		Payload: []byte("hello"),
	}
	require.NoError(t, chA.Send(pkt))

	select {
	case got := <-received:
		assert.Equal(t, pkt.SSRC, got.SSRC)
		assert.Equal(t, pkt.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rtp packet")
	}
}

func TestRtpChannelSDESLoopback(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	cryptoLine := "crypto:1 AES_CM_128_HMAC_SHA1_80 inline:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	sdA := buildSD(t, portA, cryptoLine)
	mdA, err := sdA.MediaDescription("audio")
	require.NoError(t, err)

	sdB := buildSD(t, portB, cryptoLine)
	mdB, err := sdB.MediaDescription("audio")
	require.NoError(t, err)

	chA, err := NewRtpChannel(sdA, sdB, mdA, mdB, RoleOutgoing, false, "alice", WithRTCPPeriod(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, EncryptionSDES, chA.Encryption())

	chB, err := NewRtpChannel(sdA, sdB, mdA, mdB, RoleIncoming, false, "bob", WithRTCPPeriod(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, EncryptionSDES, chB.Encryption())

	require.NoError(t, chA.StartListening())
	defer chA.Close()
	require.NoError(t, chB.StartListening())
	defer chB.Close()

	received := make(chan *rtp.Packet, 1)
	chB.onRTPReceived = func(pkt *rtp.Packet) { received <- pkt }

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 160, SSRC: 0x1234},
		Payload: []byte("secret"),
	}
	require.NoError(t, chA.Send(pkt))

	select {
	case got := <-received:
		assert.Equal(t, pkt.SSRC, got.SSRC)
		assert.Equal(t, pkt.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rtp packet")
	}
}

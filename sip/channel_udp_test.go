// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUdpChannelSendReceiveLoopback(t *testing.T) {
	a, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.OnMessage(func(ch Channel, source Endpoint, data []byte) { received <- data })
	go b.Serve()

	require.NoError(t, a.Send(b.LocalEndpoint(), []byte("hello sip")))

	select {
	case data := <-received:
		assert.Equal(t, "hello sip", string(data))
	case <-time.After(time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestUdpChannelRejectsOversizedDatagram(t *testing.T) {
	a, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer a.Close()

	err = a.Send(NewEndpoint("127.0.0.1", 1), make([]byte, maxUDPDatagram+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUdpChannelAcceptPredicateFiltersSource(t *testing.T) {
	a, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")},
		WithUdpAcceptPredicate(func(source Endpoint) bool { return false }))
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.OnMessage(func(ch Channel, source Endpoint, data []byte) { received <- data })
	go b.Serve()

	require.NoError(t, a.Send(b.LocalEndpoint(), []byte("dropped")))

	select {
	case <-received:
		t.Fatal("accept predicate should have dropped the datagram")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUdpChannelCloseIsIdempotent(t *testing.T) {
	a, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestUdpChannelIsConnectedAlwaysTrue(t *testing.T) {
	a, err := NewUdpChannel(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.IsConnected(NewEndpoint("203.0.113.1", 5060)))
}

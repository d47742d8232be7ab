// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointString(t *testing.T) {
	e := NewEndpoint("192.0.2.1", 5060)
	assert.Equal(t, "192.0.2.1:5060", e.String())
}

func TestEndpointFromUDPAddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060}
	e := EndpointFromAddr(addr)
	assert.Equal(t, Endpoint{Addr: "192.0.2.1", Port: 5060}, e)
}

func TestEndpointFromTCPAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5061}
	e := EndpointFromAddr(addr)
	assert.Equal(t, Endpoint{Addr: "192.0.2.1", Port: 5061}, e)
}

func TestEndpointEqualityViaString(t *testing.T) {
	a := NewEndpoint("192.0.2.1", 5060)
	b := NewEndpoint("192.0.2.1", 5060)
	assert.Equal(t, a.String(), b.String())
}

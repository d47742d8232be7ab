// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"net"
	"strconv"
)

// Endpoint is an (IP, port) pair. It is compared by its string form, the
// same key used to index the connection table and the in-flight-connect set.
type Endpoint struct {
	Addr string
	Port int
}

func NewEndpoint(addr string, port int) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

func EndpointFromAddr(a net.Addr) Endpoint {
	switch v := a.(type) {
	case *net.UDPAddr:
		return Endpoint{Addr: v.IP.String(), Port: v.Port}
	case *net.TCPAddr:
		return Endpoint{Addr: v.IP.String(), Port: v.Port}
	default:
		host, portStr, err := net.SplitHostPort(a.String())
		if err != nil {
			return Endpoint{Addr: a.String()}
		}
		port, _ := strconv.Atoi(portStr)
		return Endpoint{Addr: host, Port: port}
	}
}

// String is the lookup key used by the connection table and the in-flight
// connect set. Two endpoints referring to the same (IP, port) always
// produce the same string.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(e.Port))
}

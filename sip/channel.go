// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"crypto/x509"

	"github.com/rs/zerolog"
)

// MessageHandler is invoked once per complete SIP message a Channel frames
// off the wire. It must not block: a slow consumer should hand off to its
// own queue instead of doing work inline, the same contract the teacher's
// event-delegate callbacks (message-received, connection-failed) carry.
type MessageHandler func(ch Channel, source Endpoint, data []byte)

// Channel is the polymorphic SIP transport. There are three variants — Udp,
// Tcp, Tls — sharing this one small capability set instead of a deep
// inheritance hierarchy: a tagged sum type with one interface, per the
// REDESIGN FLAG in spec.md §9.
type Channel interface {
	// Send transmits data to destination. It must not block the caller on
	// network I/O under nominal conditions: UDP writes go straight to the
	// socket, TCP/TLS writes go through an already-established connection
	// or kick off an asynchronous connect.
	Send(destination Endpoint, data []byte) error

	// IsConnected reports whether destination has a live stream connection.
	// Always true for Udp.
	IsConnected(destination Endpoint) bool

	// Close is idempotent.
	Close() error

	// Network names the transport: "udp", "tcp", or "tls".
	Network() string

	// Reliable is true for Tcp and Tls.
	Reliable() bool

	// Secure is true only for Tls.
	Secure() bool

	// LocalEndpoint is the channel's own listening/bound address.
	LocalEndpoint() Endpoint

	// OnMessage installs the message-received callback. It may be called
	// only once, before the channel starts accepting/receiving.
	OnMessage(fn MessageHandler)

	SetLogger(log zerolog.Logger)
}

// CertNameSender is implemented by Tls channels, exposing the
// send(destination, bytes, expected-server-cert-name) overload from
// spec.md §4.1.
type CertNameSender interface {
	SendWithCertName(destination Endpoint, data []byte, expectedServerCertName string) error
}

// RemoteCertificateProvider is implemented by Tls channels only.
type RemoteCertificateProvider interface {
	RemoteCertificate(destination Endpoint) (*x509.Certificate, bool)
}

// ConnectionFailedHandler fires when an asynchronous outbound TCP/TLS
// connect fails. ConnectionDisconnectedHandler fires when a live connection
// is closed for any reason (idle prune, read error, peer close).
type ConnectionFailedHandler func(destination Endpoint, err error)
type ConnectionDisconnectedHandler func(destination Endpoint, err error)

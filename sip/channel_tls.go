// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// CertificatePredicate decides whether a peer certificate is acceptable. It
// is invoked during handshake validation on both the server and client side;
// returning false aborts the handshake.
type CertificatePredicate func(peer *x509.Certificate, verified bool) bool

// TlsChannel is the Tls SipChannel variant. It embeds a TcpChannel and
// replaces the dial function with a TLS handshake, and the accept path with
// a TLS server handshake, so the connection table, framer and prune task are
// reused unchanged; see spec.md §9 on composition over a parallel hierarchy.
type TlsChannel struct {
	*TcpChannel

	clientConf *tls.Config
	serverConf *tls.Config
	mutualAuth bool
	accept     CertificatePredicate

	certsMu sync.Mutex
	certs   map[string]*x509.Certificate

	expectMu sync.Mutex
	expect   map[string]string
}

type TlsOption func(*TlsChannel)

// WithMutualAuth requires the peer to present a certificate on both sides of
// the handshake; a peer offering none closes the connection immediately.
func WithMutualAuth(enabled bool) TlsOption {
	return func(c *TlsChannel) { c.mutualAuth = enabled }
}

// WithCertificateAcceptPredicate adds application logic, e.g. pinning or an
// allowlist, after the TLS handshake. Without one, any certificate the
// handshake itself lets through is accepted, verified or not.
func WithCertificateAcceptPredicate(p CertificatePredicate) TlsOption {
	return func(c *TlsChannel) { c.accept = p }
}

func NewTlsChannel(laddr *net.TCPAddr, serverConf, clientConf *tls.Config, opts ...TlsOption) (*TlsChannel, error) {
	tcp, err := NewTcpChannel(laddr)
	if err != nil {
		return nil, err
	}

	serverConf = serverConf.Clone()
	clientConf = clientConf.Clone()
	// The handshake negotiates the highest protocol version both peers
	// support; MinVersion only needs a floor, never pinned to a single one.
	if serverConf.MinVersion == 0 {
		serverConf.MinVersion = tls.VersionTLS12
	}
	if clientConf.MinVersion == 0 {
		clientConf.MinVersion = tls.VersionTLS12
	}

	c := &TlsChannel{
		TcpChannel: tcp,
		clientConf: clientConf,
		serverConf: serverConf,
		certs:      make(map[string]*x509.Certificate),
		expect:     make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}

	if c.mutualAuth {
		serverConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	tcp.listener = tls.NewListener(tcp.listener, serverConf)
	tcp.dial = func(ep Endpoint) (net.Conn, error) {
		d := net.Dialer{LocalAddr: &net.TCPAddr{Port: ephemeralPort()}}
		raw, err := d.Dial("tcp", ep.String())
		if err != nil {
			return nil, err
		}
		conf := clientConf
		serverName := conf.ServerName
		if name, ok := c.takeExpectedName(ep); ok {
			serverName = name
		}
		if serverName == "" {
			serverName = ep.Addr
		}
		if serverName != conf.ServerName {
			conf = conf.Clone()
			conf.ServerName = serverName
		}
		tlsConn := tls.Client(raw, conf)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			raw.Close()
			return nil, err
		}
		if err := c.validatePeer(ep, tlsConn); err != nil {
			tlsConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}

	return c, nil
}

func (c *TlsChannel) Secure() bool { return true }

// SendWithCertName behaves like Send but, when a new connection must be
// dialed, requires the peer's certificate to match expectedServerCertName
// (used as the TLS ServerName and re-checked against the negotiated
// certificate) instead of the default derived from the destination host.
func (c *TlsChannel) SendWithCertName(destination Endpoint, data []byte, expectedServerCertName string) error {
	if !c.IsConnected(destination) {
		c.setExpectedName(destination, expectedServerCertName)
	}
	return c.Send(destination, data)
}

func (c *TlsChannel) setExpectedName(ep Endpoint, name string) {
	c.expectMu.Lock()
	c.expect[ep.String()] = name
	c.expectMu.Unlock()
}

func (c *TlsChannel) takeExpectedName(ep Endpoint) (string, bool) {
	c.expectMu.Lock()
	defer c.expectMu.Unlock()
	name, ok := c.expect[ep.String()]
	if ok {
		delete(c.expect, ep.String())
	}
	return name, ok
}

// Serve wraps TcpChannel.Serve; accepted net.Conn values are already
// *tls.Conn because the listener itself is TLS-wrapped, so the accept loop
// below hands each one to finishAccept, in its own goroutine, for the
// handshake and certificate validation instead of TcpChannel's generic path.
func (c *TlsChannel) Serve() error {
	go c.pruneLoop()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			c.log.Error().Err(err).Msg("sip tls: accept error")
			return err
		}

		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go c.finishAccept(tlsConn)
	}
}

func (c *TlsChannel) finishAccept(tlsConn *tls.Conn) {
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("sip tls: handshake failed")
		tlsConn.Close()
		return
	}
	remote := EndpointFromAddr(tlsConn.RemoteAddr())
	if err := c.validatePeer(remote, tlsConn); err != nil {
		c.log.Warn().Err(err).Str("remote", remote.String()).Msg("sip tls: peer certificate rejected")
		tlsConn.Close()
		return
	}

	sc := newConnection(c.TcpChannel, remote, tlsConn, RoleListener)
	c.table.put(remote, sc)
	go sc.readLoop()
}

// validatePeer enforces mutual auth and the certificate accept predicate,
// then records the peer's leaf certificate for later retrieval.
func (c *TlsChannel) validatePeer(remote Endpoint, conn *tls.Conn) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if c.mutualAuth {
			return ErrNoCertificate
		}
		return nil
	}

	leaf := state.PeerCertificates[0]
	verified := len(state.VerifiedChains) > 0
	if c.accept != nil && !c.accept(leaf, verified) {
		return ErrNoCertificate
	}

	c.certsMu.Lock()
	c.certs[remote.String()] = leaf
	c.certsMu.Unlock()
	return nil
}

// RemoteCertificate returns the peer certificate observed during the
// handshake with endpoint, if any.
func (c *TlsChannel) RemoteCertificate(endpoint Endpoint) (*x509.Certificate, bool) {
	c.certsMu.Lock()
	defer c.certsMu.Unlock()
	cert, ok := c.certs[endpoint.String()]
	return cert, ok
}

func (c *TlsChannel) SetLogger(l zerolog.Logger) {
	c.TcpChannel.SetLogger(l)
}

// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sipstack-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTlsChannelHandshakeAndDeliver(t *testing.T) {
	cert := generateTestCert(t)
	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientConf := &tls.Config{InsecureSkipVerify: true}

	server, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf)
	require.NoError(t, err)
	defer server.Close()
	assert.True(t, server.Secure())

	received := make(chan []byte, 1)
	server.OnMessage(func(ch Channel, source Endpoint, data []byte) { received <- data })
	go server.Serve()

	client, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf)
	require.NoError(t, err)
	defer client.Close()

	msg := "OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	require.NoError(t, client.Send(server.LocalEndpoint(), []byte(msg)))

	select {
	case data := <-received:
		assert.Equal(t, msg, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived over tls")
	}
}

func TestTlsChannelCertificateAcceptPredicateRejects(t *testing.T) {
	cert := generateTestCert(t)
	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientConf := &tls.Config{InsecureSkipVerify: true}

	server, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf,
		WithCertificateAcceptPredicate(func(peer *x509.Certificate, verified bool) bool { return false }))
	require.NoError(t, err)
	defer server.Close()

	received := make(chan []byte, 1)
	server.OnMessage(func(ch Channel, source Endpoint, data []byte) { received <- data })
	go server.Serve()

	client, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(server.LocalEndpoint(), []byte("OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\nContent-Length: 0\r\n\r\n")))

	// the server's accept predicate rejects every peer certificate, so the
	// connection never reaches its message handler even though the client's
	// own handshake (which runs the default, permissive predicate) succeeds.
	select {
	case <-received:
		t.Fatal("accept predicate should have rejected the peer and dropped the connection")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTlsChannelRemoteCertificateRecorded(t *testing.T) {
	cert := generateTestCert(t)
	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientConf := &tls.Config{InsecureSkipVerify: true}

	server, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf)
	require.NoError(t, err)
	defer server.Close()
	go server.Serve()

	client, err := NewTlsChannel(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, serverConf, clientConf)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(server.LocalEndpoint(), []byte("OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\nContent-Length: 0\r\n\r\n")))

	// the client dials the server, so it is the client side that observes
	// and records the server's certificate during the handshake.
	require.Eventually(t, func() bool {
		_, ok := client.RemoteCertificate(server.LocalEndpoint())
		return ok
	}, time.Second, 10*time.Millisecond)
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/pion/dtls/v2"
)

// dtlsSRTPExporterLabel is the RFC 5764 §4.2 keying material exporter label.
const dtlsSRTPExporterLabel = "EXTRACTOR-dtls_srtp"

// DtlsAdapter implements DtlsTransport over github.com/pion/dtls/v2: it runs
// only the handshake and the RFC 5764 keying-material export, then hands back
// two ordinary SRTP Context values (send/receive) for srtp_transform.go to
// use exactly as it does for SDES. DTLS never wraps the media itself; once
// keys are exported the record layer is done, which is why this adapter's
// socket is short-lived (see RtpChannel.StartListening).
type DtlsAdapter struct {
	Certificate        tls.Certificate
	RemoteFingerprints []Fingerprint
	IsClient           bool
	HandshakeTimeout   time.Duration
}

// Fingerprint is a parsed SDP "a=fingerprint:<alg> <hex>" value.
type Fingerprint struct {
	Algorithm string
	Hex       string
}

// ParseFingerprint parses one value as returned by sdp.Negotiator.Fingerprints.
func ParseFingerprint(value string) (Fingerprint, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return Fingerprint{}, fmt.Errorf("media: malformed fingerprint %q", value)
	}
	return Fingerprint{Algorithm: strings.ToLower(fields[0]), Hex: strings.ToUpper(fields[1])}, nil
}

// GenerateSelfSignedCertificate creates an ephemeral ECDSA P-256 identity
// certificate, the way a DTLS-SRTP endpoint generates its own per RFC 5763
// (the certificate's CA trust is irrelevant; only its fingerprint, carried in
// the SDP, is ever checked).
func GenerateSelfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sipstack"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour * 365),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// CertificateFingerprint returns the SHA-256 fingerprint of cert's leaf in
// the colon-separated uppercase hex form RFC 4572 puts in "a=fingerprint".
func CertificateFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("media: certificate has no leaf")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("media: parse certificate: %w", err)
	}
	sum := sha256.Sum256(leaf.Raw)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))

	var b strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexStr[i : i+2])
	}
	return b.String(), nil
}

// DoHandshake dials a connected UDP socket to remote (bound to local),
// completes the DTLS handshake as client or server, exports the SRTP key
// material, and returns the send/receive crypto contexts derived from it.
// The dedicated socket is always closed before returning; RtpChannel reopens
// an unconnected listening socket on the same local port for the SRTP
// traffic that follows.
func (d *DtlsAdapter) DoHandshake(local, remote *net.UDPAddr) (send, recv *Context, err error) {
	conn, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return nil, nil, fmt.Errorf("media: dtls dial: %w", err)
	}
	defer conn.Close()

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{d.Certificate},
		InsecureSkipVerify:     true, // identity is checked via SDP fingerprint, not a CA chain
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		VerifyPeerCertificate:  d.verifyPeerCertificate,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}

	var dconn *dtls.Conn
	if d.IsClient {
		dconn, err = dtls.Client(conn, cfg)
	} else {
		dconn, err = dtls.Server(conn, cfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("media: dtls handshake: %w", err)
	}
	defer dconn.Close()

	km, err := dconn.ExportKeyingMaterial(dtlsSRTPExporterLabel, nil, 2*(masterKeyLen+masterSaltLen))
	if err != nil {
		return nil, nil, fmt.Errorf("media: dtls export keying material: %w", err)
	}

	clientKey := km[0:masterKeyLen]
	serverKey := km[masterKeyLen : 2*masterKeyLen]
	clientSalt := km[2*masterKeyLen : 2*masterKeyLen+masterSaltLen]
	serverSalt := km[2*masterKeyLen+masterSaltLen : 2*masterKeyLen+2*masterSaltLen]

	sendKey, sendSalt, recvKey, recvSalt := serverKey, serverSalt, clientKey, clientSalt
	if d.IsClient {
		sendKey, sendSalt, recvKey, recvSalt = clientKey, clientSalt, serverKey, serverSalt
	}

	if send, err = NewContext(sendKey, sendSalt, ProtectionAESCMHMACSHA1); err != nil {
		return nil, nil, err
	}
	if recv, err = NewContext(recvKey, recvSalt, ProtectionAESCMHMACSHA1); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

func (d *DtlsAdapter) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(d.RemoteFingerprints) == 0 {
		return nil
	}
	if len(rawCerts) == 0 {
		return errors.New("media: dtls peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("media: dtls parse peer certificate: %w", err)
	}
	sum := sha256.Sum256(leaf.Raw)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))
	var got strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			got.WriteByte(':')
		}
		got.WriteString(hexStr[i : i+2])
	}

	for _, fp := range d.RemoteFingerprints {
		if fp.Algorithm == "sha-256" && fp.Hex == got.String() {
			return nil
		}
	}
	return fmt.Errorf("media: dtls peer fingerprint mismatch (got %s)", got.String())
}

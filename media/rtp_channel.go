// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipstack/internal/dscp"
	"github.com/emiago/sipstack/media/sdp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxRTPDatagram = 1600

// Role is which side of the offer/answer exchange this channel is on; it
// decides which negotiated media description is "local" vs "remote".
type Role int

const (
	RoleOutgoing Role = iota // we sent the offer
	RoleIncoming             // we sent the answer
)

// EncryptionMode is how this channel protects RTP/RTCP, resolved once at
// construction time from the answered media description (spec.md §4.5).
type EncryptionMode int

const (
	EncryptionNone EncryptionMode = iota
	EncryptionSDES
	EncryptionDTLS
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionSDES:
		return "sdes"
	case EncryptionDTLS:
		return "dtls"
	default:
		return "none"
	}
}

var (
	ErrNoDtlsTransport  = errors.New("media: dtls encryption negotiated but no DtlsTransport configured")
	ErrSDESSuiteMissing = errors.New("media: answered SDES suite was not offered")
)

// DtlsTransport is the narrow collaborator spec.md §6 names
// ("DtlsTransport::do_handshake()"). A DTLS-SRTP handshake does nothing more
// than establish two SRTP master keys (RFC 5764 §4.2); once DoHandshake
// returns, the channel protects/unprotects media with the exact same
// srtp_transform.go code path SDES uses, just keyed from whichever Context
// each direction returns instead of from SDP key material directly.
// media/dtls_adapter.go wraps pion/dtls/v2 to provide a concrete
// implementation.
type DtlsTransport interface {
	DoHandshake(local, remote *net.UDPAddr) (send, recv *Context, err error)
}

type RTPPacketHandler func(pkt *rtp.Packet)
type RTCPHandler func(pkts []rtcp.Packet)
type DtlsFailedHandler func(isServer bool, remote *net.UDPAddr)

// RtpChannel is the spec.md §4.5 media channel: two UDP sockets (RTP, RTCP),
// an optional SRTP/DTLS protector, a shared statistics manager, and the
// periodic RTCP sender loop. Grounded on sip/channel_udp.go's socket/thread
// shape (one receive goroutine per socket, a sendMu serializing writes)
// generalized from SIP's single-socket datagram channel to RTP's
// two-datagram-port pair, since the teacher's own media.MediaSession conflated RTP socket
// handling with SDP offer/answer logic this module keeps external.
type RtpChannel struct {
	localRTPAddr  *net.UDPAddr
	remoteRTPAddr *net.UDPAddr

	rtcpEnabled    bool
	localRTCPAddr  *net.UDPAddr
	remoteRTCPAddr *net.UDPAddr

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	dscpValue uint8
	ssrc      uint32
	cname     string

	encryption EncryptionMode
	sendCtx    *Context
	sendCache  *ContextCache
	recvCtx    *Context
	recvCache  *ContextCache
	dtls       DtlsTransport
	role       Role

	stats *RTPStatsManager

	rtcpPeriod time.Duration
	rtcpTicker *time.Ticker

	onRTPReceived  RTPPacketHandler
	onRTPSent      RTPPacketHandler
	onRTCPReceived RTCPHandler
	onRTCPSent     RTCPHandler
	onDtlsFailed   DtlsFailedHandler

	sendMu sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup

	log zerolog.Logger
}

type RtpChannelOption func(*RtpChannel)

func WithDSCP(mt dscp.MediaType) RtpChannelOption {
	return func(c *RtpChannel) { c.dscpValue = dscp.Default(mt) }
}

func WithDtlsTransport(t DtlsTransport) RtpChannelOption {
	return func(c *RtpChannel) { c.dtls = t }
}

func WithOnRTPReceived(fn RTPPacketHandler) RtpChannelOption {
	return func(c *RtpChannel) { c.onRTPReceived = fn }
}

func WithOnRTPSent(fn RTPPacketHandler) RtpChannelOption {
	return func(c *RtpChannel) { c.onRTPSent = fn }
}

func WithOnRTCPReceived(fn RTCPHandler) RtpChannelOption {
	return func(c *RtpChannel) { c.onRTCPReceived = fn }
}

func WithOnRTCPSent(fn RTCPHandler) RtpChannelOption {
	return func(c *RtpChannel) { c.onRTCPSent = fn }
}

func WithDtlsFailedHandler(fn DtlsFailedHandler) RtpChannelOption {
	return func(c *RtpChannel) { c.onDtlsFailed = fn }
}

func WithRTCPPeriod(d time.Duration) RtpChannelOption {
	return func(c *RtpChannel) { c.rtcpPeriod = d }
}

// NewRtpChannel derives endpoints and encryption mode from an already
// negotiated offer/answer per spec.md §4.5, then constructs (but does not
// yet open any socket for) the channel.
func NewRtpChannel(
	offeredSD, answeredSD sdp.SessionDescription,
	offeredMD, answeredMD sdp.MediaDescription,
	role Role,
	rtcpEnabled bool,
	cname string,
	opts ...RtpChannelOption,
) (*RtpChannel, error) {
	offered := sdp.NewNegotiator(offeredSD, offeredMD)
	answered := sdp.NewNegotiator(answeredSD, answeredMD)

	localNeg, remoteNeg := answered, offered
	if role == RoleOutgoing {
		localNeg, remoteNeg = offered, answered
	}

	localRTP, err := localNeg.MediaEndpoint()
	if err != nil {
		return nil, fmt.Errorf("media: local endpoint: %w", err)
	}
	remoteRTP, err := remoteNeg.MediaEndpoint()
	if err != nil {
		return nil, fmt.Errorf("media: remote endpoint: %w", err)
	}

	c := &RtpChannel{
		localRTPAddr:  localRTP,
		remoteRTPAddr: remoteRTP,
		rtcpEnabled:   rtcpEnabled,
		dscpValue:     dscp.Default(dscp.MediaTypeAudio),
		ssrc:          rand.Uint32(),
		cname:         cname,
		role:          role,
		stats:         NewRTPStatsManager(),
		rtcpPeriod:    5 * time.Second,
		log:           log.Logger,
	}

	if rtcpEnabled {
		if c.localRTCPAddr, err = localNeg.RTCPEndpoint(); err != nil {
			return nil, fmt.Errorf("media: local rtcp endpoint: %w", err)
		}
		if c.remoteRTCPAddr, err = remoteNeg.RTCPEndpoint(); err != nil {
			return nil, fmt.Errorf("media: remote rtcp endpoint: %w", err)
		}
	}

	if err := c.resolveEncryption(offered, answered); err != nil {
		return nil, err
	}

	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *RtpChannel) resolveEncryption(offered, answered *sdp.Negotiator) error {
	if len(answered.Fingerprints()) > 0 {
		c.encryption = EncryptionDTLS
		return nil
	}

	suites := answered.CryptoSuites()
	if len(suites) == 0 {
		c.encryption = EncryptionNone
		return nil
	}

	chosen := suites[0]
	offeredSuites := offered.CryptoSuites()
	found := false
	for _, s := range offeredSuites {
		if s == chosen {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrSDESSuiteMissing, chosen)
	}

	line, ok := answered.CryptoLine(chosen)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSDESKeyMaterial, chosen)
	}
	key, salt, err := ParseSDESKeyMaterial(line)
	if err != nil {
		return err
	}
	policy, err := sdesProtectionForSuite(chosen)
	if err != nil {
		return err
	}
	ctx, err := NewContext(key, salt, policy)
	if err != nil {
		return err
	}

	// SDES uses one symmetric master key for both directions, unlike DTLS-SRTP's
	// distinct client/server keys.
	c.encryption = EncryptionSDES
	c.sendCtx = ctx
	c.sendCache = NewContextCache(ctx)
	c.recvCtx = ctx
	c.recvCache = c.sendCache
	return nil
}

// StartListening opens the RTP/RTCP sockets, marks DSCP, runs the DTLS
// handshake if negotiated, and starts the receive/timer goroutines —
// spec.md §4.5 and §5 (one RTP receive thread, one RTCP receive thread, one
// fixed-interval RTCP timer thread).
func (c *RtpChannel) StartListening() error {
	rtpConn, err := net.ListenUDP("udp", c.localRTPAddr)
	if err != nil {
		return err
	}
	c.rtpConn = rtpConn
	if err := dscp.SetConn(rtpConn, c.dscpValue); err != nil {
		c.log.Debug().Err(err).Msg("rtp: dscp marking not applied")
	}

	if c.rtcpEnabled {
		rtcpConn, err := net.ListenUDP("udp", c.localRTCPAddr)
		if err != nil {
			rtpConn.Close()
			return err
		}
		c.rtcpConn = rtcpConn
		if err := dscp.SetConn(rtcpConn, c.dscpValue); err != nil {
			c.log.Debug().Err(err).Msg("rtcp: dscp marking not applied")
		}
	}

	if c.encryption == EncryptionDTLS {
		if c.dtls == nil {
			c.Close()
			return ErrNoDtlsTransport
		}
		// The handshake runs on its own short-lived connected socket bound to
		// the same local port (see DtlsAdapter.DoHandshake); rtpConn above
		// already occupies that port as a plain listener and must be closed
		// first so the handshake socket can bind it, then reopened for the
		// SRTP traffic that follows.
		rtpConn.Close()
		send, recv, err := c.dtls.DoHandshake(c.localRTPAddr, c.remoteRTPAddr)
		if err != nil {
			if c.onDtlsFailed != nil {
				c.onDtlsFailed(c.role == RoleIncoming, c.remoteRTPAddr)
			}
			c.Close()
			return err
		}
		c.sendCtx, c.sendCache = send, NewContextCache(send)
		c.recvCtx, c.recvCache = recv, NewContextCache(recv)

		rtpConn, err = net.ListenUDP("udp", c.localRTPAddr)
		if err != nil {
			c.Close()
			return fmt.Errorf("media: reopen rtp socket after dtls handshake: %w", err)
		}
		c.rtpConn = rtpConn
		if err := dscp.SetConn(rtpConn, c.dscpValue); err != nil {
			c.log.Debug().Err(err).Msg("rtp: dscp marking not applied")
		}
	}

	c.wg.Add(1)
	go c.readRTPLoop()

	if c.rtcpEnabled {
		c.wg.Add(2)
		go c.readRTCPLoop()
		c.rtcpTicker = time.NewTicker(c.rtcpPeriod)
		go c.rtcpTimerLoop()
	}
	return nil
}

// Send protects (if negotiated) and transmits an RTP packet. Send errors are
// swallowed per spec.md §7 ("Transport... Recovery: local... Never
// propagated to callers").
func (c *RtpChannel) Send(pkt *rtp.Packet) error {
	c.stats.OnPacketSent(pkt)

	out, err := c.protectRTP(pkt)
	if err != nil {
		c.log.Debug().Err(err).Msg("rtp: protect failed, dropping packet")
		return nil
	}

	c.sendMu.Lock()
	_, err = c.rtpConn.WriteToUDP(out, c.remoteRTPAddr)
	c.sendMu.Unlock()
	if err != nil {
		c.log.Debug().Err(err).Msg("rtp: send failed")
		return nil
	}

	if c.onRTPSent != nil {
		c.onRTPSent(pkt)
	}
	return nil
}

func (c *RtpChannel) protectRTP(pkt *rtp.Packet) ([]byte, error) {
	if c.encryption == EncryptionNone {
		return EncodeRTP(pkt)
	}
	return ProtectRTP(c.sendCtx, c.sendCache, pkt)
}

func (c *RtpChannel) unprotectRTP(buf []byte, pkt *rtp.Packet) error {
	if c.encryption == EncryptionNone {
		return DecodeRTP(buf, pkt)
	}
	return UnprotectRTP(c.recvCtx, c.recvCache, buf, pkt)
}

func (c *RtpChannel) readRTPLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxRTPDatagram)
	for {
		n, _, err := c.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Debug().Err(err).Msg("rtp: read error")
			return
		}
		if n < rtpHeaderMinLen {
			continue
		}

		var pkt rtp.Packet
		if err := c.unprotectRTP(append([]byte(nil), buf[:n]...), &pkt); err != nil {
			// Malformed header, auth failure, or replay: drop silently per
			// spec.md §7.
			continue
		}

		c.stats.OnPacketReceived(&pkt)
		if c.onRTPReceived != nil {
			c.onRTPReceived(&pkt)
		}
	}
}

func (c *RtpChannel) readRTCPLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxRTPDatagram)
	for {
		n, _, err := c.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Debug().Err(err).Msg("rtcp: read error")
			return
		}

		plain, err := c.unprotectRTCP(buf[:n])
		if err != nil {
			continue
		}

		pkts := make([]rtcp.Packet, 8)
		count, err := DecodeRTCP(plain, pkts)
		if err != nil {
			continue
		}
		pkts = pkts[:count]

		for _, p := range pkts {
			c.stats.OnRTCPReceived(p)
		}
		if c.onRTCPReceived != nil {
			c.onRTCPReceived(pkts)
		}
	}
}

func (c *RtpChannel) unprotectRTCP(buf []byte) ([]byte, error) {
	if c.encryption == EncryptionNone {
		return buf, nil
	}
	return UnprotectRTCP(c.recvCtx, c.recvCache, buf)
}

func (c *RtpChannel) rtcpTimerLoop() {
	defer c.wg.Done()
	for {
		now, open := <-c.rtcpTicker.C
		if !open {
			return
		}
		c.emitRTCP(now)
	}
}

// emitRTCP builds and sends the compound SR/RR+SDES packet spec.md §4.5's
// RTCP timer fires every period: a sender report when anything has been
// sent (an empty one as a keepalive otherwise), a receiver report when we've
// only received, and always an SDES CNAME item to bind SSRC to cname.
func (c *RtpChannel) emitRTCP(now time.Time) {
	var pkts []rtcp.Packet
	switch {
	case c.stats.WriteSnapshot().SSRC != 0:
		if sr := c.stats.BuildSenderReport(now); sr != nil {
			pkts = append(pkts, sr)
		}
	case c.stats.ReadSnapshot().SSRC != 0:
		if rr := c.stats.BuildReceiverReport(now); rr != nil {
			pkts = append(pkts, rr)
		}
	default:
		pkts = append(pkts, &rtcp.SenderReport{SSRC: c.ssrc, NTPTime: NTPTimestamp(now)})
	}

	pkts = append(pkts, &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: c.ssrc,
			Items: []rtcp.SourceDescriptionItem{
				{Type: rtcp.SDESCNAME, Text: c.cname},
			},
		}},
	})

	raw, err := EncodeRTCP(pkts)
	if err != nil {
		c.log.Debug().Err(err).Msg("rtcp: encode failed")
		return
	}

	var out []byte
	if c.encryption == EncryptionNone {
		out = raw
	} else {
		out, err = ProtectRTCP(c.sendCtx, c.sendCache, c.ssrc, raw)
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("rtcp: protect failed")
		return
	}

	conn := c.rtcpConn
	if conn == nil {
		return
	}

	c.sendMu.Lock()
	_, err = conn.WriteToUDP(out, c.remoteRTCPAddr)
	c.sendMu.Unlock()
	if err != nil {
		c.log.Debug().Err(err).Msg("rtcp: send failed")
		return
	}
	if c.onRTCPSent != nil {
		c.onRTCPSent(pkts)
	}
}

// Close is idempotent and non-blocking past a best-effort join, per
// spec.md §5.
func (c *RtpChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.rtcpTicker != nil {
		c.rtcpTicker.Stop()
	}
	if c.rtpConn != nil {
		c.rtpConn.Close()
	}
	if c.rtcpConn != nil {
		c.rtcpConn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

// Stats exposes the shared statistics manager for introspection.
func (c *RtpChannel) Stats() *RTPStatsManager { return c.stats }

// Encryption reports the resolved encryption mode.
func (c *RtpChannel) Encryption() EncryptionMode { return c.encryption }

func (c *RtpChannel) SetLogger(l zerolog.Logger) { c.log = l }

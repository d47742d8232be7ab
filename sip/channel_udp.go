// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxUDPDatagram = 65507

// udpRecvBufSize is the socket read buffer; 2 MB per spec.md §4.1.
const udpRecvBufSize = 2 << 20

// AcceptPredicate lets the application veto a datagram before it is
// dispatched, e.g. to drop traffic from unrecognized sources.
type AcceptPredicate func(source Endpoint) bool

// UdpChannel is the Udp SipChannel variant: one datagram socket, a
// dedicated receive thread, serialized sends. Always "connected".
type UdpChannel struct {
	conn   *net.UDPConn
	local  Endpoint
	onMsg  atomic.Pointer[MessageHandler]
	accept AcceptPredicate

	sendMu sync.Mutex
	closed atomic.Bool

	log zerolog.Logger
}

func NewUdpChannel(laddr *net.UDPAddr, opts ...UdpOption) (*UdpChannel, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	c := &UdpChannel{
		conn:  conn,
		local: EndpointFromAddr(conn.LocalAddr()),
		log:   log.Logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type UdpOption func(*UdpChannel)

func WithUdpAcceptPredicate(p AcceptPredicate) UdpOption {
	return func(c *UdpChannel) { c.accept = p }
}

func (c *UdpChannel) Network() string         { return "udp" }
func (c *UdpChannel) Reliable() bool          { return false }
func (c *UdpChannel) Secure() bool            { return false }
func (c *UdpChannel) LocalEndpoint() Endpoint { return c.local }
func (c *UdpChannel) IsConnected(Endpoint) bool { return true }

func (c *UdpChannel) SetLogger(l zerolog.Logger) { c.log = l }

func (c *UdpChannel) OnMessage(fn MessageHandler) {
	c.onMsg.Store(&fn)
}

// Serve starts the dedicated receive thread. It blocks until Close.
func (c *UdpChannel) Serve() error {
	buf := make([]byte, udpRecvBufSize)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			c.log.Error().Err(err).Msg("sip udp: read error")
			return err
		}
		if n == 0 {
			// Zero-length datagrams are dropped, not delivered.
			continue
		}

		source := EndpointFromAddr(raddr)
		if c.accept != nil && !c.accept(source) {
			continue
		}

		handler := c.onMsg.Load()
		if handler == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		(*handler)(c, source, data)
	}
}

func (c *UdpChannel) Send(destination Endpoint, data []byte) error {
	if len(data) > maxUDPDatagram {
		return ErrMessageTooLarge
	}
	raddr, err := net.ResolveUDPAddr("udp", destination.String())
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err = c.conn.WriteToUDP(data, raddr)
	if err != nil && isWindowsConnReset(err) {
		// A prior ICMP port-unreachable surfaces here on Windows; it does
		// not mean this send failed, so it is not reported as an error.
		return nil
	}
	return err
}

func (c *UdpChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

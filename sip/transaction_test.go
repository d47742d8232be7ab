// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"testing"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a minimal in-memory Channel used to drive the transaction
// FSMs without a real socket. Every Send is pushed onto sentCh, in order, for
// tests that need to wait on a (re)transmission.
type fakeChannel struct {
	sentCh   chan []byte
	reliable bool
	handler  MessageHandler
}

func newFakeChannel(reliable bool) *fakeChannel {
	return &fakeChannel{sentCh: make(chan []byte, 64), reliable: reliable}
}

func (f *fakeChannel) Send(destination Endpoint, data []byte) error {
	select {
	case f.sentCh <- data:
	default:
	}
	return nil
}

func (f *fakeChannel) IsConnected(Endpoint) bool           { return true }
func (f *fakeChannel) Close() error                        { return nil }
func (f *fakeChannel) Network() string                     { return "udp" }
func (f *fakeChannel) Reliable() bool                       { return f.reliable }
func (f *fakeChannel) Secure() bool                         { return false }
func (f *fakeChannel) LocalEndpoint() Endpoint              { return Endpoint{Addr: "127.0.0.1", Port: 5060} }
func (f *fakeChannel) OnMessage(fn MessageHandler)          { f.handler = fn }
func (f *fakeChannel) SetLogger(log zerolog.Logger)         {}

func (f *fakeChannel) waitSend(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.sentCh:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel send")
		return nil
	}
}

func testRequest(t *testing.T, firstLineMethod, uri, branch, cseqMethod string) *Request {
	t.Helper()
	raw := firstLineMethod + " " + uri + " SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + branch + "\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=abc123\r\n" +
		"To: <sip:bob@127.0.0.1>\r\n" +
		"Call-ID: test-call-id\r\n" +
		"CSeq: 1 " + cseqMethod + "\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg, err := sipmsg.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sipmsg.Request)
	require.True(t, ok)
	return req
}

func fastTimers() TimerConfig {
	return TimerConfig{
		T1:                   10 * time.Millisecond,
		T2:                   40 * time.Millisecond,
		T4:                   20 * time.Millisecond,
		FinalResponseTimeout: 200 * time.Millisecond,
	}
}

func TestClientNonInviteTransactionTerminatesOnFinalResponse(t *testing.T) {
	ch := newFakeChannel(false)
	req := testRequest(t, "OPTIONS", "sip:bob@127.0.0.1", "z9hG4bK-1", "OPTIONS")

	ct, err := NewClientNonInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.Equal(t, StateTrying, ct.State())

	require.NoError(t, ct.Start(true))
	ch.waitSend(t) // initial transmission

	res := sipmsg.NewResponseFromRequest(req, 200, "OK", nil)
	ct.Receive(res, false)
	assert.Equal(t, StateCompleted, ct.State())

	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction never terminated")
	}
	assert.Equal(t, StateTerminated, ct.State())
}

func TestClientNonInviteTransactionRetransmitsOnUnreliableTransport(t *testing.T) {
	ch := newFakeChannel(false)
	req := testRequest(t, "OPTIONS", "sip:bob@127.0.0.1", "z9hG4bK-2", "OPTIONS")

	ct, err := NewClientNonInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.NoError(t, ct.Start(true))

	ch.waitSend(t) // initial
	ch.waitSend(t) // Timer E retransmit
}

func TestClientInviteTransactionSendsAckOnNon2xxFinalResponse(t *testing.T) {
	ch := newFakeChannel(true)
	req := testRequest(t, "INVITE", "sip:bob@127.0.0.1", "z9hG4bK-3", "INVITE")

	ct, err := NewClientInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.NoError(t, ct.Start(false))
	ch.waitSend(t) // initial INVITE

	res := sipmsg.NewResponseFromRequest(req, 404, "Not Found", nil)
	ct.Receive(res, true)
	assert.Equal(t, StateCompleted, ct.State())

	ack := ch.waitSend(t)
	msg, err := sipmsg.ParseMessage(ack)
	require.NoError(t, err)
	ackReq, ok := msg.(*sipmsg.Request)
	require.True(t, ok)
	assert.Equal(t, "ACK", ackReq.Method.String())
}

func TestClientInviteTransactionTerminatesImmediatelyOn2xx(t *testing.T) {
	ch := newFakeChannel(true)
	req := testRequest(t, "INVITE", "sip:bob@127.0.0.1", "z9hG4bK-4", "INVITE")

	ct, err := NewClientInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.NoError(t, ct.Start(false))
	ch.waitSend(t)

	res := sipmsg.NewResponseFromRequest(req, 200, "OK", nil)
	ct.Receive(res, true)

	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction never terminated")
	}
}

func TestClientInviteTransactionTimesOutWithoutResponse(t *testing.T) {
	ch := newFakeChannel(true)
	req := testRequest(t, "INVITE", "sip:bob@127.0.0.1", "z9hG4bK-5", "INVITE")

	ct, err := NewClientInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)

	timedOut := make(chan struct{})
	ct.OnTimeout(func(tx *Transaction) { close(timedOut) })
	require.NoError(t, ct.Start(false))

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("Timer B never fired")
	}
	assert.Equal(t, StateTerminated, ct.State())
}

func TestServerNonInviteTransactionRespondAndTerminate(t *testing.T) {
	ch := newFakeChannel(false)
	req := testRequest(t, "OPTIONS", "sip:bob@127.0.0.1", "z9hG4bK-6", "OPTIONS")

	st, err := NewServerNonInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.Equal(t, StateTrying, st.State())

	require.NoError(t, st.Respond(sipmsg.NewResponseFromRequest(req, 200, "OK", nil)))
	ch.waitSend(t)
	assert.Equal(t, StateCompleted, st.State())

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("server non-invite transaction never terminated")
	}
}

func TestServerInviteTransactionConfirmsOnAck(t *testing.T) {
	ch := newFakeChannel(false)
	req := testRequest(t, "INVITE", "sip:bob@127.0.0.1", "z9hG4bK-7", "INVITE")

	st, err := NewServerInviteTransaction(ch, Endpoint{Addr: "127.0.0.1", Port: 5060}, req, fastTimers())
	require.NoError(t, err)
	require.Equal(t, StateProceeding, st.State())

	require.NoError(t, st.Respond(sipmsg.NewResponseFromRequest(req, 180, "Ringing", nil)))
	ch.waitSend(t)
	assert.Equal(t, StateProceeding, st.State())

	require.NoError(t, st.Respond(sipmsg.NewResponseFromRequest(req, 486, "Busy Here", nil)))
	ch.waitSend(t)
	assert.Equal(t, StateCompleted, st.State())

	ch.waitSend(t) // Timer G retransmit of the 486

	ack := testRequest(t, "ACK", "sip:bob@127.0.0.1", "z9hG4bK-7", "ACK")
	st.Receive(ack)
	assert.Equal(t, StateConfirmed, st.State())

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("server invite transaction never terminated")
	}
}

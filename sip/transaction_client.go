// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
)

// ClientTransaction is the handle returned to callers starting an outbound
// request. It wraps a Transaction and exposes only the client-facing API;
// the FSM driving it lives in the unexported methods below.
type ClientTransaction struct {
	*Transaction
}

// NewClientInviteTransaction starts the RFC 3261 §17.1.1 INVITE client FSM:
// Calling -> Proceeding -> Completed -> Terminated, with Timer A
// retransmission (unreliable transports only) and Timer B overall timeout.
func NewClientInviteTransaction(channel Channel, destination Endpoint, req *Request, timers TimerConfig) (*ClientTransaction, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return nil, err
	}
	tx := newTransaction(RoleClientInvite, transactionID(branch, "INVITE"), channel, destination, req, timers)
	ct := &ClientTransaction{tx}
	ct.setState(StateCalling)
	return ct, nil
}

// NewClientNonInviteTransaction starts the RFC 3261 §17.1.2 non-INVITE
// client FSM: Trying -> Proceeding -> Completed -> Terminated, with Timer E
// retransmission and Timer F overall timeout.
func NewClientNonInviteTransaction(channel Channel, destination Endpoint, req *Request, timers TimerConfig) (*ClientTransaction, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return nil, err
	}
	method := req.Method.String()
	tx := newTransaction(RoleClientNonInvite, transactionID(branch, method), channel, destination, req, timers)
	ct := &ClientTransaction{tx}
	ct.setState(StateTrying)
	return ct, nil
}

func (ct *ClientTransaction) OnResponse(fn ResponseHandler)     { ct.onResponse = fn }
func (ct *ClientTransaction) OnTerminated(fn TerminatedHandler) { ct.onTerminated = fn }
func (ct *ClientTransaction) OnTimeout(fn TimeoutHandler)       { ct.onTimeout = fn }

// Start transmits the initial request and arms the role-appropriate timers.
// unreliable must be false for TCP/TLS transports, per RFC 3261 §17.1.1.2 /
// §17.1.2.2's exemption of retransmission timers on reliable transports.
func (ct *ClientTransaction) Start(unreliable bool) error {
	if err := ct.send(Serialize(ct.request)); err != nil {
		return err
	}
	if ct.role == RoleClientInvite {
		ct.armTimer(ct.timers.FinalResponseTimeout, ct.onTimerB)
		if unreliable {
			ct.armRetransmit(ct.timers.T1, ct.onTimerA)
		}
		return nil
	}
	ct.armTimer(ct.timers.FinalResponseTimeout, ct.onTimerF)
	if unreliable {
		ct.armRetransmit(ct.timers.T1, ct.onTimerE)
	}
	return nil
}

func (ct *ClientTransaction) armRetransmit(interval time.Duration, fn func(cur time.Duration)) {
	ct.armTimer(interval, func() { fn(interval) })
}

func (ct *ClientTransaction) onTimerA(cur time.Duration) {
	if ct.State() != StateCalling {
		return
	}
	if err := ct.send(Serialize(ct.request)); err != nil {
		ct.log.Warn().Err(err).Msg("sip tx: retransmit failed")
	}
	ct.armRetransmit(nextBackoff(cur, ct.timers.T2), ct.onTimerA)
}

func (ct *ClientTransaction) onTimerB() {
	if ct.State() != StateCalling {
		return
	}
	ct.fireTimeout()
}

func (ct *ClientTransaction) onTimerE(cur time.Duration) {
	s := ct.State()
	if s != StateTrying && s != StateProceeding {
		return
	}
	if err := ct.send(Serialize(ct.request)); err != nil {
		ct.log.Warn().Err(err).Msg("sip tx: retransmit failed")
	}
	ct.armRetransmit(nextBackoff(cur, ct.timers.T2), ct.onTimerE)
}

func (ct *ClientTransaction) onTimerF() {
	s := ct.State()
	if s != StateTrying && s != StateProceeding {
		return
	}
	ct.fireTimeout()
}

func (ct *ClientTransaction) fireTimeout() {
	ct.terminate()
	if ct.onTimeout != nil {
		ct.onTimeout(ct.Transaction)
	}
}

// Receive feeds a matched response into the FSM. reliable tells the
// Completed-state timers (Timer D / Timer K) whether to skip their wait
// entirely, per RFC 3261's reliable-transport exemption.
func (ct *ClientTransaction) Receive(res *Response, reliable bool) {
	ct.mu.Lock()
	ct.lastResponse = res
	ct.mu.Unlock()

	if ct.role == RoleClientInvite {
		ct.receiveInvite(res, reliable)
		return
	}
	ct.receiveNonInvite(res, reliable)
}

func (ct *ClientTransaction) receiveInvite(res *Response, reliable bool) {
	switch {
	case res.StatusCode < 200:
		if ct.State() == StateCalling {
			ct.setState(StateProceeding)
		}
		ct.notify(res)
	case res.StatusCode < 300:
		// 2xx responses terminate the client INVITE transaction immediately;
		// the ACK for a 2xx is a new request the dialog layer sends, not
		// this transaction's concern (RFC 3261 §17.1.1.3).
		ct.notify(res)
		ct.terminate()
	default:
		if err := ct.sendAck(res); err != nil {
			ct.log.Warn().Err(err).Msg("sip tx: failed to send ACK")
		}
		ct.notify(res)
		ct.setState(StateCompleted)
		d := 32 * time.Second
		if reliable {
			d = 0
		}
		ct.armTimer(d, ct.terminate)
	}
}

func (ct *ClientTransaction) receiveNonInvite(res *Response, reliable bool) {
	if res.StatusCode < 200 {
		if ct.State() == StateTrying {
			ct.setState(StateProceeding)
		}
		ct.notify(res)
		return
	}
	ct.notify(res)
	if ct.State() == StateCompleted {
		return
	}
	ct.setState(StateCompleted)
	d := ct.timers.T4
	if reliable {
		d = 0
	}
	ct.armTimer(d, ct.terminate)
}

func (ct *ClientTransaction) notify(res *Response) {
	if ct.onResponse != nil {
		ct.onResponse(ct.Transaction, res)
	}
}

// sendAck builds the ACK for a non-2xx final response per RFC 3261 §17.1.1.3:
// same branch, Call-ID, CSeq number, From, Request-URI as the original
// INVITE; CSeq method ACK; To taken from the response (carries the peer's
// tag).
func (ct *ClientTransaction) sendAck(res *Response) error {
	ack := sipmsg.NewAckRequest(ct.request, res, nil)
	return ct.send(Serialize(ack))
}

// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import "time"

// ServerTransaction is the handle an application uses to respond to an
// incoming request. The FSM driving it lives in the unexported methods
// below.
type ServerTransaction struct {
	*Transaction
	reliable bool
}

// NewServerInviteTransaction starts the RFC 3261 §17.2.1 INVITE server FSM:
// Proceeding -> Completed -> Confirmed -> Terminated.
func NewServerInviteTransaction(channel Channel, source Endpoint, req *Request, timers TimerConfig) (*ServerTransaction, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return nil, err
	}
	tx := newTransaction(RoleServerInvite, transactionID(branch, "INVITE"), channel, source, req, timers)
	st := &ServerTransaction{Transaction: tx, reliable: channel.Reliable()}
	st.setState(StateProceeding)
	return st, nil
}

// NewServerNonInviteTransaction starts the RFC 3261 §17.2.2 non-INVITE
// server FSM: Trying -> Proceeding -> Completed -> Terminated.
func NewServerNonInviteTransaction(channel Channel, source Endpoint, req *Request, timers TimerConfig) (*ServerTransaction, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return nil, err
	}
	method := req.Method.String()
	tx := newTransaction(RoleServerNonInvite, transactionID(branch, method), channel, source, req, timers)
	st := &ServerTransaction{Transaction: tx, reliable: channel.Reliable()}
	st.setState(StateTrying)
	return st, nil
}

func (st *ServerTransaction) OnTerminated(fn TerminatedHandler) { st.onTerminated = fn }

// Respond sends res and drives the FSM forward. It is the only way an
// application advances a server transaction; there is no separate "ack
// received" entrypoint because Confirmed is reached through Receive.
func (st *ServerTransaction) Respond(res *Response) error {
	st.mu.Lock()
	st.lastResponse = res
	st.mu.Unlock()

	if err := st.send(Serialize(res)); err != nil {
		return err
	}

	if st.role == RoleServerInvite {
		return st.respondInvite(res)
	}
	return st.respondNonInvite(res)
}

func (st *ServerTransaction) respondInvite(res *Response) error {
	switch {
	case res.StatusCode < 200:
		st.setState(StateProceeding)
	case res.StatusCode < 300:
		// The transaction layer's job ends at handing the 2xx to the
		// transport; reliable end-to-end delivery is the dialog layer's.
		st.terminate()
	default:
		st.setState(StateCompleted)
		if !st.reliable {
			st.armRetransmit(st.timers.T1)
		}
		st.armTimer(64*st.timers.T1, st.timeoutWithoutAck)
	}
	return nil
}

func (st *ServerTransaction) armRetransmit(interval time.Duration) {
	st.armTimer(interval, func() { st.onTimerG(interval) })
}

func (st *ServerTransaction) onTimerG(cur time.Duration) {
	if st.State() != StateCompleted {
		return
	}
	if res := st.lastResponseSnapshot(); res != nil {
		if err := st.send(Serialize(res)); err != nil {
			st.log.Warn().Err(err).Msg("sip tx: final response retransmit failed")
		}
	}
	st.armRetransmit(nextBackoff(cur, st.timers.T2))
}

// timeoutWithoutAck is Timer H: no ACK arrived within the overall timeout,
// so the transaction is abandoned without ever reaching Confirmed.
func (st *ServerTransaction) timeoutWithoutAck() {
	if st.State() != StateCompleted {
		return
	}
	st.terminate()
}

func (st *ServerTransaction) respondNonInvite(res *Response) error {
	if res.StatusCode < 200 {
		st.setState(StateProceeding)
		return nil
	}
	st.setState(StateCompleted)
	d := 64 * st.timers.T1
	if st.reliable {
		d = 0
	}
	st.armTimer(d, st.terminate)
	return nil
}

func (st *ServerTransaction) lastResponseSnapshot() *Response {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastResponse
}

// Receive feeds a matched retransmitted request (or, for INVITE, the ACK)
// into the FSM.
func (st *ServerTransaction) Receive(req *Request) {
	if st.role == RoleServerInvite && req.Method.String() == "ACK" {
		if st.State() == StateCompleted {
			st.setState(StateConfirmed)
			d := st.timers.T4
			if st.reliable {
				d = 0
			}
			st.armTimer(d, st.terminate)
		}
		return
	}

	// Any other retransmission of the original request, while Proceeding or
	// Completed, is answered by resending the last response; Trying has no
	// response yet to resend.
	switch st.State() {
	case StateProceeding, StateCompleted:
		if res := st.lastResponseSnapshot(); res != nil {
			if err := st.send(Serialize(res)); err != nil {
				st.log.Warn().Err(err).Msg("sip tx: retransmit response failed")
			}
		}
	}
}

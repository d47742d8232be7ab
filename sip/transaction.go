// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Role distinguishes the four RFC 3261 §17 transaction state machines.
type Role int

const (
	RoleClientInvite Role = iota
	RoleClientNonInvite
	RoleServerInvite
	RoleServerNonInvite
)

func (r Role) String() string {
	switch r {
	case RoleClientInvite:
		return "client-invite"
	case RoleClientNonInvite:
		return "client-non-invite"
	case RoleServerInvite:
		return "server-invite"
	case RoleServerNonInvite:
		return "server-non-invite"
	default:
		return "unknown"
	}
}

// State is the transaction's position in its RFC 3261 state diagram. Not
// every state applies to every role; see the role-specific FSM comments.
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateTrying:
		return "trying"
	case StateProceeding:
		return "proceeding"
	case StateCompleted:
		return "completed"
	case StateConfirmed:
		return "confirmed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ID is the transaction key: the top Via branch plus a method, per RFC 3261
// §17.1.3 / §17.2.3. Requests are keyed by their request method and
// responses by their CSeq method; transactionID folds ACK onto INVITE so
// that an ACK to a non-2xx final response matches the original INVITE
// transaction.
type ID struct {
	Branch string
	Method string
}

func (id ID) String() string { return id.Branch + ":" + id.Method }

// transactionID derives the matching key for an incoming request or
// response, folding ACK onto its INVITE transaction as RFC 3261 requires.
func transactionID(branch string, cseqMethod string) ID {
	method := cseqMethod
	if method == "ACK" {
		method = "INVITE"
	}
	return ID{Branch: branch, Method: method}
}

func topViaBranch(msg interface{ Via() *ViaHeader }) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("sip: message has no Via header")
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", fmt.Errorf("sip: Via header has no branch parameter")
	}
	return branch, nil
}

// ResponseHandler receives every provisional and final response a client
// transaction collects.
type ResponseHandler func(tx *Transaction, res *Response)

// RequestHandler is the type of a Transaction's onRequest field. No server
// transaction sets or invokes it: a retransmitted request is answered by
// resending the last response inside ServerTransaction.Receive.
type RequestHandler func(tx *Transaction, req *Request)

// TerminatedHandler fires exactly once, when a transaction leaves the table.
type TerminatedHandler func(tx *Transaction)

// TimeoutHandler fires once if a client transaction's Timer B expires before
// any response arrives (INVITE) or its Timer F expires before a final
// response arrives (non-INVITE).
type TimeoutHandler func(tx *Transaction)

// Transaction is the shared state for all four roles. The role-specific
// behavior (which timers run, which transitions are legal) lives in
// transaction_client.go and transaction_server.go; this type only holds the
// state every role needs and the synchronization discipline.
type Transaction struct {
	id          ID
	role        Role
	channel     Channel
	destination Endpoint
	timers      TimerConfig

	mu           sync.Mutex
	state        State
	request      *Request
	lastResponse *Response
	timerHandles []*time.Timer

	onResponse   ResponseHandler
	onRequest    RequestHandler
	onTerminated TerminatedHandler
	onTimeout    TimeoutHandler

	log zerolog.Logger

	done chan struct{}
}

func newTransaction(role Role, id ID, channel Channel, destination Endpoint, req *Request, timers TimerConfig) *Transaction {
	return &Transaction{
		id:          id,
		role:        role,
		channel:     channel,
		destination: destination,
		request:     req,
		timers:      timers.Resolve(),
		log:         log.Logger,
		done:        make(chan struct{}),
	}
}

func (tx *Transaction) ID() ID       { return tx.id }
func (tx *Transaction) Role() Role   { return tx.role }
func (tx *Transaction) Channel() Channel { return tx.channel }

func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Done is closed when the transaction reaches Terminated.
func (tx *Transaction) Done() <-chan struct{} { return tx.done }

func (tx *Transaction) setState(s State) {
	tx.mu.Lock()
	prev := tx.state
	tx.state = s
	tx.mu.Unlock()
	if prev != s {
		tx.log.Debug().Str("txid", tx.id.String()).Str("role", tx.role.String()).
			Str("from", prev.String()).Str("to", s.String()).Msg("sip tx: state change")
	}
}

// terminate moves the transaction to Terminated, stops all pending timers
// and fires the terminated callback exactly once.
func (tx *Transaction) terminate() {
	tx.mu.Lock()
	if tx.state == StateTerminated {
		tx.mu.Unlock()
		return
	}
	tx.state = StateTerminated
	handles := tx.timerHandles
	tx.timerHandles = nil
	tx.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	close(tx.done)
	if tx.onTerminated != nil {
		tx.onTerminated(tx)
	}
}

// armTimer schedules fn after d and tracks the handle so terminate can
// cancel it. Firing fn past termination is harmless because every fn checks
// the transaction's state before acting.
func (tx *Transaction) armTimer(d time.Duration, fn func()) *time.Timer {
	t := time.AfterFunc(d, fn)
	tx.mu.Lock()
	tx.timerHandles = append(tx.timerHandles, t)
	tx.mu.Unlock()
	return t
}

func (tx *Transaction) send(data []byte) error {
	return tx.channel.Send(tx.destination, data)
}

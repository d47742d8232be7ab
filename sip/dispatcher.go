// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// queueDepth bounds how many unparsed messages a single channel's worker can
// have backlogged before AddChannel's callback starts blocking.
const queueDepth = 1024

// backpressureTick is how often a blocked enqueue wakes up to check whether
// the transport has been closed, so a Close during backpressure doesn't
// leave a goroutine parked forever.
const backpressureTick = 100 * time.Millisecond

type rawMessage struct {
	channel Channel
	source  Endpoint
	data    []byte
}

// RequestReceivedHandler is invoked for every request that does not match an
// existing server transaction, i.e. every new request the application must
// start a transaction for.
type RequestReceivedHandler func(ch Channel, source Endpoint, req *Request)

// OrphanResponseHandler is invoked for a response that matches no known
// client transaction (already terminated, or never one of ours).
type OrphanResponseHandler func(ch Channel, source Endpoint, res *Response)

// Transport is the SIP message dispatcher: one worker goroutine per
// registered Channel, pulling framed messages off that channel's queue,
// parsing them, and routing them either to a matching Transaction or up to
// the application as a new request/orphan response.
type Transport struct {
	parser MessageParser

	mu       sync.Mutex
	clientTx map[string]*ClientTransaction
	serverTx map[string]*ServerTransaction
	queues   []chan rawMessage
	closed   bool
	closeCh  chan struct{}

	onRequest  RequestReceivedHandler
	onResponse OrphanResponseHandler

	log zerolog.Logger
}

func NewTransport(parser MessageParser) *Transport {
	if parser == nil {
		parser = NewMessageParser()
	}
	return &Transport{
		parser:   parser,
		clientTx: make(map[string]*ClientTransaction),
		serverTx: make(map[string]*ServerTransaction),
		closeCh:  make(chan struct{}),
		log:      log.Logger,
	}
}

func (t *Transport) OnRequestReceived(fn RequestReceivedHandler)  { t.onRequest = fn }
func (t *Transport) OnOrphanResponse(fn OrphanResponseHandler)    { t.onResponse = fn }
func (t *Transport) SetLogger(l zerolog.Logger)                  { t.log = l }

// AddChannel registers ch's message callback and starts its dedicated
// worker. Channels should be added before Serve is called on them.
func (t *Transport) AddChannel(ch Channel) {
	queue := make(chan rawMessage, queueDepth)

	t.mu.Lock()
	t.queues = append(t.queues, queue)
	t.mu.Unlock()

	ch.OnMessage(func(c Channel, source Endpoint, data []byte) {
		t.enqueue(queue, rawMessage{channel: c, source: source, data: data})
	})
	go t.worker(queue)
}

func (t *Transport) enqueue(queue chan rawMessage, msg rawMessage) {
	select {
	case queue <- msg:
		return
	default:
	}
	// The queue is saturated; wait for room, but wake periodically so a
	// Transport.Close unsticks a channel stuck behind a slow worker.
	ticker := time.NewTicker(backpressureTick)
	defer ticker.Stop()
	for {
		select {
		case queue <- msg:
			return
		case <-ticker.C:
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
		}
	}
}

func (t *Transport) worker(queue chan rawMessage) {
	for {
		select {
		case msg := <-queue:
			t.dispatch(msg)
		case <-t.closeCh:
			return
		}
	}
}

func (t *Transport) dispatch(msg rawMessage) {
	parsed, err := t.parser.ParseSIP(msg.data)
	if err != nil {
		// Malformed messages are silently dropped; nothing in RFC 3261
		// obliges a reply to garbage on the wire.
		t.log.Debug().Err(err).Str("source", msg.source.String()).Msg("sip: dropping unparsable message")
		return
	}

	switch m := parsed.(type) {
	case *Request:
		t.dispatchRequest(msg.channel, msg.source, m)
	case *Response:
		t.dispatchResponse(msg.channel, msg.source, m)
	}
}

func (t *Transport) dispatchRequest(ch Channel, source Endpoint, req *Request) {
	branch, err := topViaBranch(req)
	if err != nil {
		t.log.Debug().Err(err).Msg("sip: request missing branch, dropping")
		return
	}
	id := transactionID(branch, req.Method.String())

	t.mu.Lock()
	tx, ok := t.serverTx[id.String()]
	t.mu.Unlock()

	if ok {
		tx.Receive(req)
		return
	}

	if req.Method.String() == "ACK" {
		// An ACK with no matching INVITE server transaction (e.g. arriving
		// after Timer H already tore it down) is absorbed, not surfaced.
		return
	}

	if t.onRequest != nil {
		t.onRequest(ch, source, req)
	}
}

func (t *Transport) dispatchResponse(ch Channel, source Endpoint, res *Response) {
	cseq := res.CSeq()
	via := res.Via()
	if cseq == nil || via == nil {
		return
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return
	}
	id := transactionID(branch, cseq.MethodName.String())

	t.mu.Lock()
	tx, ok := t.clientTx[id.String()]
	t.mu.Unlock()

	if !ok {
		if t.onResponse != nil {
			t.onResponse(ch, source, res)
		}
		return
	}
	tx.Receive(res, tx.Channel().Reliable())
}

// RegisterClientTransaction makes tx reachable by dispatchResponse and
// removes it automatically once tx terminates.
func (t *Transport) RegisterClientTransaction(tx *ClientTransaction) {
	t.mu.Lock()
	t.clientTx[tx.ID().String()] = tx
	t.mu.Unlock()

	tx.OnTerminated(func(done *Transaction) {
		t.mu.Lock()
		delete(t.clientTx, done.ID().String())
		t.mu.Unlock()
	})
}

// RegisterServerTransaction makes tx reachable by dispatchRequest and
// removes it automatically once tx terminates.
func (t *Transport) RegisterServerTransaction(tx *ServerTransaction) {
	t.mu.Lock()
	t.serverTx[tx.ID().String()] = tx
	t.mu.Unlock()

	tx.OnTerminated(func(done *Transaction) {
		t.mu.Lock()
		delete(t.serverTx, done.ID().String())
		t.mu.Unlock()
	})
}

// Close stops every worker goroutine. Channels themselves are closed by
// their owner, not by the transport.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
}

// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package sip implements the RFC 3261 transport and transaction core: a
// multi-transport (UDP, TCP, TLS) channel layer plus the four client/server
// transaction state machines. SIP message parsing and serialization is
// deliberately not reimplemented here — it is an external collaborator,
// exactly as it is for the teacher's dialog layer, which builds on top of
// github.com/emiago/sipgo/sip's Request/Response/header model instead of
// owning its own parser.
package sip

import (
	sipmsg "github.com/emiago/sipgo/sip"
)

// Request and Response are the message types this package's transactions and
// channels move around. They are sipgo's own types: parsing bytes off the
// wire and serializing a message back to bytes is sipgo's job, not ours.
type Request = sipmsg.Request
type Response = sipmsg.Response

// ViaHeader is sipgo's Via header type, used by the transaction layer to
// pull the branch parameter that keys every transaction.
type ViaHeader = sipmsg.ViaHeader

// MessageParser is the narrow boundary this package consumes for turning
// a framed byte slice into a parsed SIP message. The default implementation
// wraps sipgo's own parser; tests can substitute a stub.
type MessageParser interface {
	ParseSIP(data []byte) (sipmsg.Message, error)
}

// defaultParser adapts sipgo's parser to MessageParser.
type defaultParser struct {
	parser *sipmsg.Parser
}

// NewMessageParser returns the default sipgo-backed parser.
func NewMessageParser() MessageParser {
	return &defaultParser{parser: sipmsg.NewParser()}
}

func (d *defaultParser) ParseSIP(data []byte) (sipmsg.Message, error) {
	return d.parser.ParseSIP(data)
}

// Serialize renders a request or response back to wire bytes.
func Serialize(msg sipmsg.Message) []byte {
	return []byte(msg.String())
}

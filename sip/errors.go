// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import "errors"

// Logic errors. These are the only transport-layer conditions that surface
// to the caller instead of being absorbed locally. errBadContentLength stays
// internal: the framer reports it to the connection's owner, which logs it.
var (
	ErrSelfConnect     = errors.New("sip: destination is our own listening endpoint")
	ErrMessageTooLarge = errors.New("sip: message exceeds maximum UDP datagram size")
	ErrChannelClosed   = errors.New("sip: channel is closed")
	ErrNoCertificate   = errors.New("sip: peer did not present a certificate")
	errBadContentLength = errors.New("sip: malformed Content-Length")
)

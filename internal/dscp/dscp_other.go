// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

//go:build !(linux || freebsd || openbsd || darwin || netbsd || dragonfly)

package dscp

import (
	"errors"
	"net"
)

var errUnsupportedConn = errors.New("dscp: not supported on this platform")

// SetConn is a no-op stub on platforms without a raw-fd TOS/TCLASS path.
func SetConn(conn net.PacketConn, dscp uint8) error {
	return errUnsupportedConn
}

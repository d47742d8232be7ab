// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

//go:build windows

package sip

import (
	"errors"
	"syscall"
)

const wsaeconnreset = syscall.Errno(10054)

// isWindowsConnReset matches the WSAECONNRESET that a connectionless UDP
// socket can report after a prior send triggered an ICMP
// port-unreachable. Per spec.md §4.1 it is ignored, not surfaced.
func isWindowsConnReset(err error) bool {
	return errors.Is(err, wsaeconnreset)
}

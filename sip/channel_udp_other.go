// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

//go:build !windows

package sip

// isWindowsConnReset is only meaningful on Windows, where a WSAECONNRESET
// can surface on a connectionless UDP socket after an ICMP
// port-unreachable. Elsewhere it is never true.
func isWindowsConnReset(err error) bool {
	return false
}

// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly

package dscp

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

var errUnsupportedConn = errors.New("dscp: connection does not expose a raw fd")

// SetConn marks conn's socket with dscp, choosing the IPv4 TOS or IPv6
// Traffic Class socket option depending on the local address family.
func SetConn(conn net.PacketConn, dscp uint8) error {
	sc, ok := conn.(syscallConner)
	if !ok {
		return errUnsupportedConn
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	v6 := isIPv6(conn)
	var sockErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		if v6 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, ToIPv6TrafficClass(dscp))
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, ToIPv4TOS(dscp))
	}); ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

func isIPv6(conn net.PacketConn) bool {
	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return false
	}
	return udp.IP.To4() == nil
}

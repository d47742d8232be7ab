// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package dscp marks outgoing UDP sockets with a Differentiated Services
// Code Point so intermediate routers can prioritize real-time media over
// best-effort traffic.
package dscp

// MediaType selects the default DSCP value for a stream per RFC 4594 style
// class mapping, matching the defaults a SIP/RTP stack conventionally ships.
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeText
	MediaTypeSignaling
)

// Default DSCP values (6-bit codepoints, 0..63) per media type.
// These are package vars, not consts, so a deployment can override them
// process-wide the way the teacher exposes RTPDebug/RTCPDebug as vars.
var (
	DefaultAudio      uint8 = 0x0B
	DefaultVideo      uint8 = 0x0F
	DefaultText       uint8 = 0x07
	DefaultSignaling  uint8 = 0x03
)

// Default returns the package default DSCP value for the given media type.
func Default(mt MediaType) uint8 {
	switch mt {
	case MediaTypeAudio:
		return DefaultAudio
	case MediaTypeVideo:
		return DefaultVideo
	case MediaTypeText:
		return DefaultText
	case MediaTypeSignaling:
		return DefaultSignaling
	default:
		return DefaultAudio
	}
}

// ToIPv4TOS packs a DSCP codepoint into an IPv4 TOS byte (bits 7..2).
func ToIPv4TOS(dscp uint8) int {
	return int(dscp&0x3F) << 2
}

// ToIPv6TrafficClass packs a DSCP codepoint into an IPv6 Traffic Class byte.
func ToIPv6TrafficClass(dscp uint8) int {
	return int(dscp&0x3F) << 2
}

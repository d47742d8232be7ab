// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

var errRTCPFailedToUnmarshal = errors.New("rtcp: failed to unmarshal")

// DecodeRTCP parses a compound RTCP packet into packets, advancing by
// (length-field+1)*4 bytes per sub-packet per spec.md §4.3 and stopping on
// an unknown packet type (anything but SR, RR, SDES and BYE) rather than
// erroring, since RFC 3550 requires forward compatibility with unrecognized
// report types.
//
// This reuses pion/rtcp's own per-packet unmarshal (it already implements
// the exact RFC 3550 SR/RR/SDES/BYE layouts spec.md §4.3 names) but owns the
// compound-packet framing loop itself, so the caller controls the backing
// slice the way media/rtp_codec.go does for RTP.
func DecodeRTCP(data []byte, packets []rtcp.Packet) (n int, err error) {
	for n = 0; n < len(packets) && len(data) != 0; n++ {
		var h rtcp.Header
		if err := h.Unmarshal(data); err != nil {
			return n, errors.Join(err, errRTCPFailedToUnmarshal)
		}

		pktLen := int(h.Length+1) * 4
		if pktLen > len(data) {
			return n, fmt.Errorf("rtcp: packet length %d exceeds remaining %d: %w", pktLen, len(data), errRTCPFailedToUnmarshal)
		}

		// An unrecognized packet type ends the parse without an error: the
		// packets decoded before it are returned, since RFC 3550 requires
		// compound parsing to tolerate report types it doesn't know about.
		packet := newRTCPPacket(h.Type)
		if _, unknown := packet.(*rtcp.RawPacket); unknown {
			return n, nil
		}
		if err := packet.Unmarshal(data[:pktLen]); err != nil {
			return n, err
		}

		packets[n] = packet
		data = data[pktLen:]
	}
	return n, nil
}

// EncodeRTCP marshals a compound RTCP packet, SR/RR first per convention.
func EncodeRTCP(packets []rtcp.Packet) ([]byte, error) {
	return rtcp.Marshal(packets)
}

func newRTCPPacket(t rtcp.PacketType) rtcp.Packet {
	switch t {
	case rtcp.TypeSenderReport:
		return new(rtcp.SenderReport)
	case rtcp.TypeReceiverReport:
		return new(rtcp.ReceiverReport)
	case rtcp.TypeSourceDescription:
		return new(rtcp.SourceDescription)
	case rtcp.TypeGoodbye:
		return new(rtcp.Goodbye)
	default:
		return new(rtcp.RawPacket)
	}
}

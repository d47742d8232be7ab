// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Negotiator is the narrow SDP-facing collaborator the media channel
// consumes when it is constructed from already-negotiated offer/answer SDP:
// it never negotiates anything itself, only reads endpoints and attributes
// out of a SessionDescription the caller already produced.
type Negotiator struct {
	SD SessionDescription
	MD MediaDescription
}

func NewNegotiator(sd SessionDescription, md MediaDescription) *Negotiator {
	return &Negotiator{SD: sd, MD: md}
}

// MediaEndpoint returns the RTP endpoint for this negotiator's media
// description: the session- or media-level connection address and the
// m-line port.
func (n *Negotiator) MediaEndpoint() (*net.UDPAddr, error) {
	ci, err := n.SD.ConnectionInformation()
	if err != nil {
		return nil, fmt.Errorf("sdp: no connection information: %w", err)
	}
	return &net.UDPAddr{IP: ci.IP, Port: n.MD.Port}, nil
}

// RTCPEndpoint implements RFC 3605: an explicit "a=rtcp" attribute on the
// media description overrides RTP-port+1, optionally with its own address.
func (n *Negotiator) RTCPEndpoint() (*net.UDPAddr, error) {
	rtp, err := n.MediaEndpoint()
	if err != nil {
		return nil, err
	}

	attr, ok := n.GetNamedAttribute("rtcp")
	if !ok {
		return &net.UDPAddr{IP: rtp.IP, Port: rtp.Port + 1}, nil
	}

	fields := strings.Fields(attr)
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("sdp: malformed rtcp attribute %q: %w", attr, err)
	}
	ip := rtp.IP
	if len(fields) >= 4 {
		if parsed := net.ParseIP(fields[3]); parsed != nil {
			ip = parsed
		}
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// GetNamedAttribute returns the value of the first "a=<name>:<value>"
// attribute in the session description. SessionDescription stores "a" lines
// as a flat, session-wide slice rather than grouping them per media block, so
// this (like GenerateForAudio) assumes the single-audio-media case spec.md
// §4.5 targets.
func (n *Negotiator) GetNamedAttribute(name string) (string, bool) {
	prefix := name + ":"
	for _, a := range n.SD.Values("a") {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v, true
		}
		if a == name {
			return "", true
		}
	}
	return "", false
}

// GetMediaType returns the media description's m-line media type, e.g.
// "audio" or "video".
func (n *Negotiator) GetMediaType() string {
	return n.MD.MediaType
}

// CryptoSuites returns every "a=crypto:<tag> <suite> ..." suite name on the
// media description, in declaration order, for SDES suite matching
// (spec.md §4.5: "the chosen suite is the first answered suite").
func (n *Negotiator) CryptoSuites() []string {
	var suites []string
	for _, a := range n.SD.Values("a") {
		v, ok := strings.CutPrefix(a, "crypto:")
		if !ok {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) >= 2 {
			suites = append(suites, fields[1])
		}
	}
	return suites
}

// Fingerprints returns every "a=fingerprint:<alg> <hex>" value present,
// indicating DTLS-SRTP is in use.
func (n *Negotiator) Fingerprints() []string {
	var out []string
	for _, a := range n.SD.Values("a") {
		if v, ok := strings.CutPrefix(a, "fingerprint:"); ok {
			out = append(out, v)
		}
	}
	return out
}

// CryptoLine returns the full "a=crypto:<tag> <suite> ..." value (key params
// included) for the given suite name, the way CryptoSuites' caller needs to
// go on and pull out the inline key material.
func (n *Negotiator) CryptoLine(suite string) (string, bool) {
	for _, a := range n.SD.Values("a") {
		v, ok := strings.CutPrefix(a, "crypto:")
		if !ok {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) >= 2 && fields[1] == suite {
			return v, true
		}
	}
	return "", false
}

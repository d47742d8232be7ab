// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"sync"
)

// replayWindowSize is the 64-bit sliding replay window spec.md §4.4 names.
const replayWindowSize = 64

// replayWindow is a sliding bitmap of the last 64 indices accepted, keyed by
// the highest index seen so far. Bit 0 means "max itself was received".
type replayWindow struct {
	initialized bool
	max         uint64
	bitmap      uint64
}

// check reports whether index would be accepted, without recording it.
func (w *replayWindow) check(index uint64) bool {
	if !w.initialized || index > w.max {
		return true
	}
	delta := w.max - index
	if delta >= replayWindowSize {
		return false
	}
	return w.bitmap&(1<<delta) == 0
}

// update records index as received. Call only after check has passed.
func (w *replayWindow) update(index uint64) {
	if !w.initialized {
		w.max = index
		w.bitmap = 1
		w.initialized = true
		return
	}
	if index > w.max {
		shift := index - w.max
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.max = index
		return
	}
	w.bitmap |= 1 << (w.max - index)
}

// SsrcCryptoContext is the per-SSRC state layered over a shared Context: the
// roll-over counter for SRTP (derived by reusing the same extended-sequence
// tracker media/rtp_sequencer.go implements for plain RTP statistics; the
// tracker is seeded with the first sequence number seen for the SSRC and
// counts ROC from 0 at that point), the local SRTCP send counter, and the
// SRTP and SRTCP replay windows.
type SsrcCryptoContext struct {
	mu sync.Mutex

	seq        RTPExtendedSequenceNumber
	seqStarted bool
	srtpReplay replayWindow

	// outOfOrder/duplicate count the ROC tracker's UpdateSeq rejections for
	// this SSRC. The ROC itself stays put on either outcome — the packet
	// will fail its own replay or auth check right after — but a caller
	// diagnosing a noisy stream needs to tell "arrived early/late" apart
	// from "arrived twice".
	outOfOrder uint64
	duplicate  uint64

	srtcpSendIndex uint32
	srtcpReplay    replayWindow
}

// srtpIndex advances (or initializes) ROC tracking for seq and returns the
// 48-bit extended SRTP index.
func (s *SsrcCryptoContext) srtpIndex(seq uint16) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seqStarted {
		s.seq.InitSeq(seq)
		s.seqStarted = true
	} else if err := s.seq.UpdateSeq(seq); err != nil {
		switch {
		case errors.Is(err, ErrRTPSequenceOutOfOrder):
			s.outOfOrder++
		case errors.Is(err, ErrRTPSequenceDuplicate):
			s.duplicate++
		}
	}
	return s.seq.ReadExtendedSeq()
}

// OutOfOrderCount and DuplicateCount report this SSRC's ROC-tracker
// rejections since the context was created.
func (s *SsrcCryptoContext) OutOfOrderCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outOfOrder
}

func (s *SsrcCryptoContext) DuplicateCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicate
}

func (s *SsrcCryptoContext) checkSRTPReplay(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srtpReplay.check(index)
}

func (s *SsrcCryptoContext) updateSRTPReplay(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srtpReplay.update(index)
}

// nextSRTCPIndex returns this context's next local send-side SRTCP index
// (31 bits; wraps silently, matching RFC 3711 §9.2's "terminate or rekey
// before wrap" guidance being the caller's concern, not this counter's).
func (s *SsrcCryptoContext) nextSRTCPIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.srtcpSendIndex & 0x7FFFFFFF
	s.srtcpSendIndex++
	return idx
}

func (s *SsrcCryptoContext) checkSRTCPReplay(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srtcpReplay.check(uint64(index))
}

func (s *SsrcCryptoContext) updateSRTCPReplay(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srtcpReplay.update(uint64(index))
}

// ContextCache fans a shared Context (one master key/policy) out across
// SSRCs, each with its own ROC and replay state, protected independently —
// spec.md §5: "the context cache is concurrent".
type ContextCache struct {
	Base *Context

	mu     sync.Mutex
	bySSRC map[uint32]*SsrcCryptoContext
}

func NewContextCache(base *Context) *ContextCache {
	return &ContextCache{Base: base, bySSRC: make(map[uint32]*SsrcCryptoContext)}
}

func (c *ContextCache) get(ssrc uint32) *SsrcCryptoContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.bySSRC[ssrc]
	if !ok {
		s = &SsrcCryptoContext{}
		c.bySSRC[ssrc] = s
	}
	return s
}

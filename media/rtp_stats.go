// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// RTPReadStats tracks what a channel has observed on its receive side: the
// extended sequence number, smoothed jitter (RFC 3550 §6.4.1), instantaneous
// jitter, dropped/out-of-order counters, and whatever the peer's
// sender/receiver reports have told us about round trip time. Some fields are
// exported read-only for snapshot consumers.
type RTPReadStats struct {
	SSRC                   uint32
	FirstPktSequenceNumber uint16
	LastSequenceNumber     uint16
	lastSeq                RTPExtendedSequenceNumber

	IntervalFirstPktSeqNum uint16
	IntervalTotalPackets   uint16

	TotalPackets uint64

	// Dropped and OutOfOrder classify every packet that didn't advance the
	// sequence number in order: Dropped is this interval's count folded into
	// the next reception report's fraction-lost (buildReceptionReport),
	// OutOfOrder is UpdateSeq rejecting the packet outright (either a stale
	// reorder or a duplicate).
	Dropped    uint64
	OutOfOrder uint64

	// LastFractionLost is the 0..1 loss fraction computed for the most
	// recent reception report, kept around so callers outside the RTCP
	// timer (MOS, logging) can read it without re-deriving it.
	LastFractionLost float64

	sampleRate       uint32
	lastRTPTime      time.Time
	lastRTPTimestamp uint32

	// JitterSamples is the RFC 3550 §6.4.1 smoothed estimator, in sample-rate
	// units (not milliseconds). MinJitter/MaxJitter track its extremes.
	JitterSamples float64
	MinJitter     float64
	MaxJitter     float64

	// instantJitterSamples is the unsmoothed |D| term itself (RFC 3550
	// §6.4.1's "D" before it's folded into J), tracked separately so a
	// consumer can tell a persistently-high instantaneous jitter from a
	// smoothed estimate that's still catching up.
	instantJitterSamples      float64
	MinInstantJitter          float64
	MaxInstantJitter          float64
	sumInstantJitter          float64
	instantJitterSamplesCount uint64

	// RTT is the round trip time computed from the last reception report
	// the peer sent about our own stream.
	RTT time.Duration

	lastSenderReportNTP      uint64
	lastSenderReportRecvTime time.Time
}

// JitterMillis converts JitterSamples into milliseconds using this stream's
// sample rate (spec.md §4.6: units·1000/sample-rate).
func (s *RTPReadStats) JitterMillis() float64 {
	return samplesToMillis(s.JitterSamples, s.sampleRate)
}

func (s *RTPReadStats) MinJitterMillis() float64 { return samplesToMillis(s.MinJitter, s.sampleRate) }
func (s *RTPReadStats) MaxJitterMillis() float64 { return samplesToMillis(s.MaxJitter, s.sampleRate) }

// InstantJitterMillis converts the current unsmoothed jitter sample into
// milliseconds, along with its observed min/avg/max over the stream's life.
func (s *RTPReadStats) InstantJitterMillis() float64 {
	return samplesToMillis(s.instantJitterSamples, s.sampleRate)
}

func (s *RTPReadStats) MinInstantJitterMillis() float64 {
	return samplesToMillis(s.MinInstantJitter, s.sampleRate)
}

func (s *RTPReadStats) MaxInstantJitterMillis() float64 {
	return samplesToMillis(s.MaxInstantJitter, s.sampleRate)
}

func (s *RTPReadStats) AvgInstantJitterMillis() float64 {
	if s.instantJitterSamplesCount == 0 {
		return 0
	}
	return samplesToMillis(s.sumInstantJitter/float64(s.instantJitterSamplesCount), s.sampleRate)
}

func samplesToMillis(samples float64, sampleRate uint32) float64 {
	if sampleRate == 0 {
		return 0
	}
	return samples * 1000 / float64(sampleRate)
}

// LossPercent is LastFractionLost expressed as spec.md §4.6's MOS input
// (0..100 rather than 0..1).
func (s *RTPReadStats) LossPercent() float64 {
	return s.LastFractionLost * 100
}

// ExtendedSeq returns 65536·ROC + SEQ for the last packet accepted.
func (s *RTPReadStats) ExtendedSeq() uint64 {
	return s.lastSeq.ReadExtendedSeq()
}

// RTPWriteStats tracks what a channel has sent, feeding sender reports.
type RTPWriteStats struct {
	SSRC uint32

	lastPacketTime      time.Time
	lastPacketTimestamp uint32
	sampleRate          uint32

	PacketsCount uint32
	OctetCount   uint32
}

// RTPStatsManager is the per-channel statistics authority spec.md §5 names
// ("a per-media-channel lock protects the statistics manager"): every RTP/RTCP
// packet observed in either direction updates it under a single mutex, and it
// builds the sender/receiver reports the RTCP timer thread emits.
type RTPStatsManager struct {
	mu sync.Mutex

	read  RTPReadStats
	write RTPWriteStats

	// RecvOnly records that the stream is recvonly. Nothing in this package
	// reads it: RtpChannel.emitRTCP picks a SenderReport or a ReceiverReport
	// from whether anything has been sent or received.
	RecvOnly bool
}

func NewRTPStatsManager() *RTPStatsManager {
	return &RTPStatsManager{}
}

// OnPacketSent records a transmitted RTP packet for the next sender report.
func (m *RTPStatsManager) OnPacketSent(pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &m.write
	if w.SSRC != pkt.SSRC {
		codec := CodecFromPayloadType(pkt.PayloadType)
		*w = RTPWriteStats{SSRC: pkt.SSRC, sampleRate: codec.SampleRate}
	}

	w.PacketsCount++
	w.OctetCount += uint32(len(pkt.Payload))
	w.lastPacketTime = time.Now()
	w.lastPacketTimestamp = pkt.Timestamp
}

// OnPacketReceived records a received RTP packet: extended sequence number,
// smoothed jitter, and interval counters for the next fraction-lost report.
func (m *RTPStatsManager) OnPacketReceived(pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	r := &m.read

	if r.SSRC != pkt.SSRC {
		codec := CodecFromPayloadType(pkt.PayloadType)
		*r = RTPReadStats{
			SSRC:                   pkt.SSRC,
			FirstPktSequenceNumber: pkt.SequenceNumber,
			sampleRate:             codec.SampleRate,
		}
		r.lastSeq.InitSeq(pkt.SequenceNumber)
	} else {
		// spec.md §4.6: an arrival that UpdateSeq rejects (duplicate or a
		// reorder too stale to fold into the extended count) is classified
		// as out-of-order and doesn't advance any of the counters below.
		if err := r.lastSeq.UpdateSeq(pkt.SequenceNumber); err != nil {
			r.OutOfOrder++
			return
		}

		// https://datatracker.ietf.org/doc/html/rfc3550#section-6.4.1
		Sij := pkt.Timestamp - r.lastRTPTimestamp
		Rij := now.Sub(r.lastRTPTime)
		D := Rij.Seconds()*float64(r.sampleRate) - float64(Sij)
		if D < 0 {
			D = -D
		}
		r.instantJitterSamples = D
		r.sumInstantJitter += D
		r.instantJitterSamplesCount++
		if r.instantJitterSamplesCount == 1 || D < r.MinInstantJitter {
			r.MinInstantJitter = D
		}
		if D > r.MaxInstantJitter {
			r.MaxInstantJitter = D
		}

		r.JitterSamples += (D - r.JitterSamples) / 16

		if r.IntervalTotalPackets == 0 || r.JitterSamples < r.MinJitter {
			r.MinJitter = r.JitterSamples
		}
		if r.JitterSamples > r.MaxJitter {
			r.MaxJitter = r.JitterSamples
		}
	}

	r.IntervalTotalPackets++
	r.TotalPackets++
	r.LastSequenceNumber = pkt.SequenceNumber
	if r.IntervalFirstPktSeqNum == 0 {
		r.IntervalFirstPktSeqNum = pkt.SequenceNumber
	}
	r.lastRTPTime = now
	r.lastRTPTimestamp = pkt.Timestamp
}

// OnRTCPReceived folds sender/receiver reports from the peer into RTT.
func (m *RTPStatsManager) OnRTCPReceived(pkt rtcp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch p := pkt.(type) {
	case *rtcp.SenderReport:
		if m.read.SSRC == 0 {
			m.read.SSRC = p.SSRC
		}
		m.read.lastSenderReportNTP = p.NTPTime
		m.read.lastSenderReportRecvTime = now
		for _, rr := range p.Reports {
			m.applyReceptionReport(rr, now)
		}
	case *rtcp.ReceiverReport:
		for _, rr := range p.Reports {
			m.applyReceptionReport(rr, now)
		}
	}
}

func (m *RTPStatsManager) applyReceptionReport(rr rtcp.ReceptionReport, now time.Time) {
	if rr.SSRC != m.write.SSRC {
		return
	}
	if rr.LastSenderReport != 0 {
		rtt, _ := calcRTT(now, rr.LastSenderReport, rr.Delay)
		m.read.RTT = rtt
	}
}

// BuildSenderReport produces the SR (plus reception report, if we've also
// received anything) spec.md §4.5's RTCP timer thread emits every 5 s.
func (m *RTPStatsManager) BuildSenderReport(now time.Time) *rtcp.SenderReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.write.SSRC == 0 {
		return nil
	}

	w := &m.write
	offset := now.Sub(w.lastPacketTime).Seconds() * float64(w.sampleRate)
	sr := &rtcp.SenderReport{
		SSRC:        w.SSRC,
		NTPTime:     NTPTimestamp(now),
		RTPTime:     w.lastPacketTimestamp + uint32(offset),
		PacketCount: w.PacketsCount,
		OctetCount:  w.OctetCount,
	}
	if m.read.SSRC != 0 {
		sr.Reports = []rtcp.ReceptionReport{m.buildReceptionReport(now)}
	}
	m.resetInterval()
	return sr
}

// BuildReceiverReport produces an RR for the received stream, or nil if
// nothing has been received; RtpChannel.emitRTCP sends it when nothing has
// been sent yet.
func (m *RTPStatsManager) BuildReceiverReport(now time.Time) *rtcp.ReceiverReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.read.SSRC == 0 {
		return nil
	}
	rr := &rtcp.ReceiverReport{
		SSRC:    m.read.SSRC,
		Reports: []rtcp.ReceptionReport{m.buildReceptionReport(now)},
	}
	m.resetInterval()
	return rr
}

func (m *RTPStatsManager) resetInterval() {
	m.read.IntervalFirstPktSeqNum = 0
	m.read.IntervalTotalPackets = 0
}

func (m *RTPStatsManager) buildReceptionReport(now time.Time) rtcp.ReceptionReport {
	r := &m.read

	receivedLastSeq := int64(r.lastSeq.ReadExtendedSeq())
	expectedInInterval := receivedLastSeq - int64(r.IntervalFirstPktSeqNum) + 1
	lostInInterval := max(expectedInInterval-int64(r.IntervalTotalPackets), 0)
	fractionLost := float64(0)
	if expectedInInterval > 0 {
		fractionLost = float64(lostInInterval) / float64(expectedInInterval)
	}
	r.Dropped += uint64(lostInInterval)
	r.LastFractionLost = fractionLost

	expectedTotal := uint64(receivedLastSeq) - uint64(r.FirstPktSequenceNumber)

	var delay time.Duration
	if !r.lastSenderReportRecvTime.IsZero() {
		delay = now.Sub(r.lastSenderReportRecvTime)
	}

	return rtcp.ReceptionReport{
		SSRC:               r.SSRC,
		FractionLost:       uint8(max(fractionLost*256, 0)),
		TotalLost:          uint32(min(expectedTotal-r.TotalPackets, 1<<32)),
		LastSequenceNumber: uint32(r.lastSeq.ReadExtendedSeq() >> 16 << 16),
		Jitter:             uint32(r.JitterSamples),
		LastSenderReport:   uint32(r.lastSenderReportNTP >> 16),
		Delay:              uint32(delay.Seconds() * 65536),
	}
}

// ReadSnapshot copies the current read-side stats for an external consumer
// without holding the manager's lock past the copy.
func (m *RTPStatsManager) ReadSnapshot() RTPReadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read
}

// WriteSnapshot copies the current write-side stats.
func (m *RTPStatsManager) WriteSnapshot() RTPWriteStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write
}

func calcRTT(now time.Time, lastSenderReport uint32, delaySenderReport uint32) (rtt time.Duration, skewed bool) {
	now32 := uint32(NTPTimestamp(now) >> 16)

	rtt32 := now32 - lastSenderReport - delaySenderReport
	skewed = now32-delaySenderReport < lastSenderReport

	secs := rtt32 & 0xFFFF0000 >> 16
	fracs := float64(rtt32&0x0000FFFF) / 65536
	rtt = time.Duration(secs)*time.Second + time.Duration(fracs*float64(time.Second))
	return
}

func FractionLostFloat(f uint8) float64 {
	return float64(f) / 256
}

// MOS implements the spec.md §4.6 audio quality estimate: effective latency
// EL = delay + 2·jitter + 10 (all milliseconds), an R-factor penalizing EL and
// packet loss, then a piecewise mapping of R onto the 1.0-4.5 MOS scale.
func MOS(delayMillis, jitterMillis, lossPercent float64) float64 {
	el := delayMillis + 2*jitterMillis + 10

	var impairment float64
	if el <= 160 {
		impairment = el / 40
	} else {
		impairment = (el - 120) / 10
	}

	r := 93.2 - impairment - 2.5*lossPercent

	switch {
	case r < 0:
		return 1.0
	case r > 100:
		return 4.5
	default:
		return 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	}
}

// OneWayDelayMillis approximates the one-way network delay as half the last
// measured round trip time.
func (s *RTPReadStats) OneWayDelayMillis() float64 {
	return s.RTT.Seconds() * 500
}

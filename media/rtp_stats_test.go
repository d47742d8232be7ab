// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestMOSBounds(t *testing.T) {
	// Ideal conditions: near-zero delay/jitter/loss land just under the 4.5
	// ceiling (R is 92.95, below the clamp at 100).
	assert.InDelta(t, 4.5, MOS(0, 0, 0), 0.2)

	// Heavily degraded conditions clamp at the bottom rather than go negative.
	assert.Equal(t, 1.0, MOS(2000, 500, 80))
}

func TestMOSMonotonicInLoss(t *testing.T) {
	good := MOS(20, 5, 0)
	bad := MOS(20, 5, 10)
	assert.Greater(t, good, bad)
}

func TestFractionLostFloat(t *testing.T) {
	assert.InDelta(t, 0.5, FractionLostFloat(128), 0.01)
	assert.Equal(t, 0.0, FractionLostFloat(0))
}

func TestRTPStatsManagerSentAndReceived(t *testing.T) {
	m := NewRTPStatsManager()

	m.OnPacketSent(&rtp.Packet{Header: rtp.Header{SSRC: 1, Timestamp: 0}, Payload: make([]byte, 160)})
	m.OnPacketSent(&rtp.Packet{Header: rtp.Header{SSRC: 1, SequenceNumber: 1, Timestamp: 160}, Payload: make([]byte, 160)})

	w := m.WriteSnapshot()
	assert.Equal(t, uint32(1), w.SSRC)
	assert.Equal(t, uint32(2), w.PacketsCount)
	assert.Equal(t, uint32(320), w.OctetCount)

	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 2, SequenceNumber: 100, Timestamp: 0}, Payload: make([]byte, 160)})
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 2, SequenceNumber: 101, Timestamp: 160}, Payload: make([]byte, 160)})

	r := m.ReadSnapshot()
	assert.Equal(t, uint32(2), r.SSRC)
	assert.Equal(t, uint64(2), r.TotalPackets)
	assert.Equal(t, uint16(101), r.LastSequenceNumber)
}

func TestRTPStatsManagerBuildReceiverReport(t *testing.T) {
	m := NewRTPStatsManager()
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 42, SequenceNumber: 1}})
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 42, SequenceNumber: 2}})

	rr := m.BuildReceiverReport(m.ReadSnapshot().lastRTPTime)
	assert.NotNil(t, rr)
	assert.Equal(t, uint32(42), rr.SSRC)
	assert.Len(t, rr.Reports, 1)

	// BuildReceiverReport resets the interval counters.
	assert.Equal(t, uint16(0), m.ReadSnapshot().IntervalTotalPackets)
}

func TestRTPStatsManagerBuildSenderReportNilWithoutTraffic(t *testing.T) {
	m := NewRTPStatsManager()
	assert.Nil(t, m.BuildSenderReport(m.ReadSnapshot().lastRTPTime))
}

func TestOnRTCPReceivedUpdatesRTT(t *testing.T) {
	m := NewRTPStatsManager()
	m.OnPacketSent(&rtp.Packet{Header: rtp.Header{SSRC: 7}})

	m.OnRTCPReceived(&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{{
			SSRC:             7,
			LastSenderReport: 12345,
			Delay:            0,
		}},
	})
	// The report is about our own SSRC and carries a non-zero LSR, so RTT
	// is set; calcRTT's value itself is covered by
	// TestCalcRTTZeroWhenSymmetric below.
	assert.NotZero(t, m.ReadSnapshot().RTT)
}

func TestOnPacketReceivedCountsOutOfOrder(t *testing.T) {
	m := NewRTPStatsManager()
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 5, SequenceNumber: 10, Timestamp: 0}, Payload: make([]byte, 160)})
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 5, SequenceNumber: 11, Timestamp: 160}, Payload: make([]byte, 160)})

	// A duplicate of the last sequence number is rejected by UpdateSeq and
	// must not advance TotalPackets/LastSequenceNumber.
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 5, SequenceNumber: 11, Timestamp: 160}, Payload: make([]byte, 160)})

	r := m.ReadSnapshot()
	assert.Equal(t, uint64(2), r.TotalPackets)
	assert.Equal(t, uint64(1), r.OutOfOrder)
	assert.Equal(t, uint16(11), r.LastSequenceNumber)
}

func TestOnPacketReceivedTracksInstantJitter(t *testing.T) {
	m := NewRTPStatsManager()
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 9, SequenceNumber: 1, Timestamp: 0}, Payload: make([]byte, 160)})
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 9, SequenceNumber: 2, Timestamp: 160}, Payload: make([]byte, 160)})
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 9, SequenceNumber: 3, Timestamp: 320}, Payload: make([]byte, 160)})

	r := m.ReadSnapshot()
	assert.GreaterOrEqual(t, r.MaxInstantJitterMillis(), r.MinInstantJitterMillis())
	assert.GreaterOrEqual(t, r.AvgInstantJitterMillis(), 0.0)
}

func TestBuildReceptionReportSetsLossPercent(t *testing.T) {
	m := NewRTPStatsManager()
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 11, SequenceNumber: 1}})
	// Skip sequence numbers 2 and 3: the next reception report should see
	// two packets missing out of an expected window of four.
	m.OnPacketReceived(&rtp.Packet{Header: rtp.Header{SSRC: 11, SequenceNumber: 4}})

	rr := m.BuildReceiverReport(m.ReadSnapshot().lastRTPTime)
	assert.NotNil(t, rr)

	r := m.ReadSnapshot()
	assert.Greater(t, r.LossPercent(), 0.0)
	assert.Greater(t, r.Dropped, uint64(0))
}

func TestCalcRTTZeroWhenSymmetric(t *testing.T) {
	now := time.Now()
	lsr := uint32(NTPTimestamp(now) >> 16)
	rtt, skewed := calcRTT(now, lsr, 0)
	assert.False(t, skewed)
	assert.InDelta(t, 0, rtt.Seconds(), 1.0)
}

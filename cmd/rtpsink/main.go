// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Command rtpsink is a minimal RTP/RTCP receiver: it binds a local port,
// accepts incoming RTP from any peer and periodically dumps the jitter,
// packet-loss and MOS statistics media/rtp_stats.go computes for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emiago/sipstack/media"
	"github.com/emiago/sipstack/media/sdp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:46000", "local address to bind for RTP (RTCP is addr port + 1)")
	cname := flag.String("cname", "rtpsink", "RTCP SDES CNAME to report under")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("RTP_DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *cname); err != nil {
		log.Error().Err(err).Msg("rtpsink: exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, cname string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}

	sd := sdp.SessionDescription{
		"c": {"IN IP4 " + host},
		"m": {fmt.Sprintf("audio %d RTP/AVP 0", port)},
		"a": {"sendrecv"},
	}
	md, err := sd.MediaDescription("audio")
	if err != nil {
		return err
	}

	var packets atomic.Uint64
	ch, err := media.NewRtpChannel(sd, sd, md, md, media.RoleIncoming, true, cname,
		media.WithOnRTPReceived(func(pkt *rtp.Packet) {
			packets.Add(1)
		}),
	)
	if err != nil {
		return err
	}

	if err := ch.StartListening(); err != nil {
		return err
	}
	defer ch.Close()

	log.Info().Str("addr", addr).Msg("rtpsink: listening")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("packets", packets.Load()).Msg("rtpsink: shutting down")
			return nil
		case <-ticker.C:
			dumpStats(ch, packets.Load())
		}
	}
}

func dumpStats(ch *media.RtpChannel, packets uint64) {
	read := ch.Stats().ReadSnapshot()
	jitter := read.JitterMillis()
	mos := media.MOS(read.RTT.Seconds()*1000, jitter, read.LossPercent())
	log.Info().
		Uint64("packets", packets).
		Uint32("ssrc", read.SSRC).
		Uint64("dropped", read.Dropped).
		Uint64("out_of_order", read.OutOfOrder).
		Float64("loss_pct", read.LossPercent()).
		Float64("jitter_ms", jitter).
		Dur("rtt", read.RTT).
		Float64("mos", mos).
		Msg("rtpsink: stats")
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("rtpsink: invalid -addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("rtpsink: invalid port in -addr %q: %w", addr, err)
	}
	return host, port, nil
}

// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Command sipecho is a minimal SIP UDP/TCP listener that answers every
// incoming request with a 200 OK, exercising sip/'s channel and transaction
// layers end to end without any dialog or media logic on top.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/emiago/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5060", "listen address for both UDP and TCP")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("SIP_DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr); err != nil {
		log.Error().Err(err).Msg("sipecho: exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	udp, err := sip.NewUdpChannel(udpAddr)
	if err != nil {
		return err
	}
	tcp, err := sip.NewTcpChannel(tcpAddr)
	if err != nil {
		return err
	}

	transport := sip.NewTransport(nil)
	transport.OnRequestReceived(func(ch sip.Channel, source sip.Endpoint, req *sip.Request) {
		answer(transport, ch, source, req)
	})

	transport.OnOrphanResponse(func(ch sip.Channel, source sip.Endpoint, res *sip.Response) {
		log.Debug().Str("source", source.String()).Msg("sipecho: dropping orphan response")
	})

	transport.AddChannel(udp)
	transport.AddChannel(tcp)

	go func() {
		if err := udp.Serve(); err != nil {
			log.Error().Err(err).Msg("sipecho: udp channel stopped")
		}
	}()
	go func() {
		if err := tcp.Serve(); err != nil {
			log.Error().Err(err).Msg("sipecho: tcp channel stopped")
		}
	}()

	log.Info().Str("addr", addr).Msg("sipecho: listening")
	<-ctx.Done()

	udp.Close()
	tcp.Close()
	transport.Close()
	return nil
}

// answer starts the role-appropriate server transaction and immediately
// responds 200 OK; INVITE gets a preceding 180 Ringing so the client INVITE
// FSM in the peer exercises its Proceeding state too.
func answer(transport *sip.Transport, ch sip.Channel, source sip.Endpoint, req *sip.Request) {
	method := req.Method.String()

	if method == "INVITE" {
		st, err := sip.NewServerInviteTransaction(ch, source, req, sip.TimerConfig{})
		if err != nil {
			log.Warn().Err(err).Msg("sipecho: failed to start server invite transaction")
			return
		}
		transport.RegisterServerTransaction(st)
		if err := st.Respond(sipmsg.NewResponseFromRequest(req, 180, "Ringing", nil)); err != nil {
			log.Warn().Err(err).Msg("sipecho: failed to send 180")
			return
		}
		if err := st.Respond(sipmsg.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
			log.Warn().Err(err).Msg("sipecho: failed to send 200")
		}
		return
	}

	st, err := sip.NewServerNonInviteTransaction(ch, source, req, sip.TimerConfig{})
	if err != nil {
		log.Warn().Err(err).Msg("sipecho: failed to start server non-invite transaction")
		return
	}
	transport.RegisterServerTransaction(st)
	if err := st.Respond(sipmsg.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		log.Warn().Err(err).Msg("sipecho: failed to send 200")
	}
}

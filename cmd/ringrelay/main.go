// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// ringrelay forwards signaling envelopes between connected users over
// websockets. It is the transport behind wsbus.Client.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/emiago/ringline/wsbus"
)

func main() {
	listen := pflag.String("listen", ":8091", "address to listen on")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	lev := zerolog.InfoLevel
	if *debug {
		lev = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Logger().Level(lev)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsbus.NewRelay())

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		log.Info().Str("addr", *listen).Msg("Starting ringrelay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
}

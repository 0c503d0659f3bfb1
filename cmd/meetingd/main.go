// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// meetingd is the reference meeting provisioning service: meeting records,
// media-session resources and attendee credentials, kept in memory.
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

	"github.com/emiago/ringline/meetapi"
)

func main() {
	listen := pflag.String("listen", ":8090", "address to listen on")
	mediaHost := pflag.String("media-host", "media.example.com", "host used to build media placement urls")
	flatCreds := pflag.Bool("flat-credentials", false, "answer attendee credentials flattened at top level instead of the joinInfo envelope")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	lev := zerolog.InfoLevel
	if *debug {
		lev = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Logger().Level(lev)

	srv := &http.Server{
		Addr: *listen,
		Handler: meetapi.NewServer(
			meetapi.WithMediaHost(*mediaHost),
			meetapi.WithFlatCredentials(*flatCreds),
		),
	}

	go func() {
		log.Info().Str("addr", *listen).Bool("flat", *flatCreds).Msg("Starting meetingd")
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

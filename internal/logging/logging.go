/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process. Development gets a human console
// writer at debug level; everything else logs structured JSON at info.
func Setup(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger().
			Level(zerolog.DebugLevel)
	} else {
		logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "roomsync").Logger().
			Level(zerolog.InfoLevel)
	}

	log.Logger = logger
	return logger
}

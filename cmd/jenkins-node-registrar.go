package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Zerolog uses json formatting by default, so change that to a human-readable format instead
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true})

	a := newApp(log.Logger)
	err := newRootCmd(a).Execute()
	a.pushMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("jenkins-node-registrar failed")
	}
}

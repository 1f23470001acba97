package main

import (
	"log/slog"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// host is what every command starts from: settings, loggers and the configuration store.
type host struct {
	settings
	zlog  zerolog.Logger
	log   *slog.Logger
	store *storeHandle

	closeLog func()
}

func prepare(cmd *cobra.Command, settingsFile string) (*host, error) {
	s, err := getSettings(cmd, settingsFile)
	if err != nil {
		return nil, err
	}
	zlog, closeLog, err := setupLogging(s.LogLevel, s.LogFile)
	if err != nil {
		return nil, err
	}
	logger := newSlogLogger(zlog)
	slog.SetDefault(logger)

	store, err := openStore(s, logger)
	if err != nil {
		closeLog()
		return nil, err
	}
	return &host{settings: s, zlog: zlog, log: logger, store: store, closeLog: closeLog}, nil
}

func (h *host) Close() {
	h.store.Close()
	h.closeLog()
}

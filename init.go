// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var initOnce struct {
	sync.Mutex
	done bool
}

// Init performs one-time process setup: it installs logger as the
// default slog logger (if non-nil) and arranges SIGPIPE handling so
// that writes to vanished non-socket streams surface as errors rather
// than killing the process. Socket writes already report EPIPE without
// help; the handler matters for stdio pipes handed to internal peers.
//
// A nil handler ignores SIGPIPE. Calling Init a second time reports
// ErrInitialised.
func Init(logger *slog.Logger, sigpipe func(os.Signal)) error {
	initOnce.Lock()
	defer initOnce.Unlock()
	if initOnce.done {
		return ErrInitialised
	}
	initOnce.done = true

	if logger != nil {
		slog.SetDefault(logger)
	}
	if sigpipe == nil {
		signal.Ignore(syscall.SIGPIPE)
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGPIPE)
	go func() {
		for sig := range ch {
			sigpipe(sig)
		}
	}()
	return nil
}

//go:build !windows

package main

import (
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/MegaGrindStone/go-mcp-client/signal"
)

// notifyLifecycle forwards SIGUSR1 as AppPaused and SIGUSR2 as AppResumed to app until the
// returned stop is called.
func notifyLifecycle(app *signal.AppEmitter) (stop func()) {
	sigs := make(chan os.Signal, 4)
	done := make(chan struct{})
	ossignal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				app.Emit(appStateFor(sig))
			}
		}
	}()

	return func() {
		ossignal.Stop(sigs)
		close(done)
	}
}

func appStateFor(sig os.Signal) signal.AppState {
	if sig == syscall.SIGUSR1 {
		return signal.AppPaused
	}
	return signal.AppResumed
}

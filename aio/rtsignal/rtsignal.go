// Package rtsignal provides the context/interrupt glue a command-line
// Loop consumer needs, adapted from the teacher's aio/signal package.
package rtsignal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt blocks until SIGINT or SIGTERM arrives.
func WaitForInterrupt() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// InterruptContext returns a context canceled on SIGINT/SIGTERM.
func InterruptContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		WaitForInterrupt()
		cancel()
	}()
	return ctx
}

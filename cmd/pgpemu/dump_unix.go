//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyDump calls dump on every SIGUSR1 until the returned func is called.
func notifyDump(dump func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				dump()
			case <-quit:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(quit)
	}
}

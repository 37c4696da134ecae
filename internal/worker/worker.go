// Package worker provides the halt-channel goroutine lifecycle embedded by
// connection.Connection and streamserver.Pool: start background loops with
// Go, signal them to stop with Halt, and wait for them to actually exit with
// Wait.
//
// Grounded on the katzenpost worker.Worker type embedded throughout the
// teacher repo (client2/connection.go's connection, server/cborplugin's
// Client) — reimplemented here since that package itself is not part of
// this module's dependency surface (see DESIGN.md).
package worker

import "sync"

// Worker embeds into a type that runs one or more background goroutines
// whose lifetime is tied to a single shutdown signal.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
	initOnce sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel closed by Halt; goroutines started via Go
// select on it to know when to return.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Go runs fn in a new goroutine tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the halt channel; idempotent.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

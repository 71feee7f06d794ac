// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package thread provides a single-goroutine dispatch queue, based on
// Ebiten's thread architecture.
//
// The Instrumentation Controller uses one Thread to serialize shader/
// pipeline compilation and feature-activation callbacks: CallAsync queues
// a compile batch without blocking the caller, while CallVoid is used
// where a caller (e.g. WaitForCompletion) needs to know every queued job
// has drained before returning. Unlike a generic dispatch queue, the jobs
// running here call into naga's parse/lower/backend pipeline against
// shader source a rewrite pass just spliced diagnostics into — a bad
// splice or a malformed shader is a believable panic, and a panic on this
// goroutine would otherwise kill the Thread for good, wedging the
// controller's compiling flag forever. run recovers it per job instead.
package thread

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/shaderval/internal/logging"
)

// Thread represents a dedicated OS thread for specific operations.
// Calls are serialized and executed on the same thread, except a
// CallAsync made while the queue is full (see CallAsync).
type Thread struct {
	funcs   chan func()
	results chan any
	done    chan struct{}
	running atomic.Bool
	panics  atomic.Uint64
}

// New creates a new dispatch thread and starts it. The goroutine is
// locked to its OS thread for the lifetime of the Thread.
func New() *Thread {
	t := &Thread{
		funcs:   make(chan func(), 16), // Buffered for async calls
		results: make(chan any, 1),     // Unbuffered for sync calls
		done:    make(chan struct{}),
	}
	t.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		wg.Done() // Signal that thread is ready

		for {
			select {
			case f := <-t.funcs:
				t.run(f)
			case <-t.done:
				return
			}
		}
	}()

	wg.Wait() // Wait for thread to be ready
	return t
}

// run executes f, recovering a panic so one bad compile job logs and
// drops instead of taking the whole dispatch goroutine down with it.
func (t *Thread) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			n := t.panics.Add(1)
			logging.Logger().Error("thread: recovered panic in dispatched job", "panic", r, "count", n)
		}
	}()
	f()
}

// Panics returns the number of jobs that have panicked and been
// recovered since the Thread was created.
func (t *Thread) Panics() uint64 {
	return t.panics.Load()
}

// Call executes f on the thread and waits for completion.
// Returns the result from f.
func (t *Thread) Call(f func() any) any {
	if !t.running.Load() {
		return nil
	}

	done := make(chan any, 1)
	t.funcs <- func() {
		var result any
		defer func() { done <- result }()
		result = f()
	}
	return <-done
}

// CallVoid executes f on the thread and waits for completion.
// Use when no return value is needed.
func (t *Thread) CallVoid(f func()) {
	if !t.running.Load() {
		return
	}

	done := make(chan struct{})
	t.funcs <- func() {
		defer close(done)
		f()
	}
	<-done
}

// CallAsync executes f on the thread without waiting.
// Use for fire-and-forget operations. If the queue is full, f runs
// synchronously on the caller's goroutine instead.
func (t *Thread) CallAsync(f func()) {
	if !t.running.Load() {
		return
	}

	select {
	case t.funcs <- f:
	default:
		// Channel full - execute synchronously to avoid deadlock
		t.run(f)
	}
}

// Stop stops the thread.
func (t *Thread) Stop() {
	if t.running.Swap(false) {
		close(t.done)
	}
}

// IsRunning returns true if the thread is running.
func (t *Thread) IsRunning() bool {
	return t.running.Load()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines, used to execute the independent branches of
// a graph in parallel.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running concurrently.
//
// A negative maxParallelism means unlimited.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
	wg             sync.WaitGroup
}

// New returns a new Pool of workers with the given parallelism. A value of 0 means runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of concurrently running tasks. Negative means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available, and then runs the task in its own goroutine.
// Use Wait to wait for all started tasks to finish.
func (w *Pool) WaitToStart(task func()) {
	w.wg.Add(1)
	if w.IsUnlimited() {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		w.WaitToStart(task)
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.wg.Add(1)
	w.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired, and with w.wg already incremented.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait blocks until every task started so far has finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}

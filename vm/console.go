/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vm

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// ringBuffer holds the last len(data) bytes seen.
type ringBuffer struct {
	data  []byte
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]byte, size)}
}

func (r *ringBuffer) push(b byte) {
	size := len(r.data)
	if size == 0 {
		return
	}
	if r.count < size {
		r.data[(r.start+r.count)%size] = b
		r.count++
		return
	}
	r.data[r.start] = b
	r.start = (r.start + 1) % size
}

func (r *ringBuffer) equals(signal []byte) bool {
	if r.count != len(signal) || len(signal) != len(r.data) {
		return false
	}
	for i, b := range signal {
		if r.data[(r.start+i)%len(r.data)] != b {
			return false
		}
	}
	return true
}

type expectation struct {
	signal  string
	ring    *ringBuffer
	matched chan struct{}
	watcher *consoleWatcher
}

// consoleWatcher reads the emulator console and signals the armed
// expectation once its text has gone by. Only one expectation is armed at a
// time and it must be armed before the input that triggers it is sent.
type consoleWatcher struct {
	mu      sync.Mutex
	pending *expectation
	closed  chan struct{}
}

func newConsoleWatcher() *consoleWatcher {
	return &consoleWatcher{closed: make(chan struct{})}
}

func (w *consoleWatcher) arm(signal string) *expectation {
	expect := &expectation{
		signal:  signal,
		ring:    newRingBuffer(len(signal)),
		matched: make(chan struct{}),
		watcher: w,
	}
	w.mu.Lock()
	w.pending = expect
	w.mu.Unlock()
	return expect
}

func (w *consoleWatcher) disarm(expect *expectation) {
	w.mu.Lock()
	if w.pending == expect {
		w.pending = nil
	}
	w.mu.Unlock()
}

func (w *consoleWatcher) feed(b byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expect := w.pending
	if expect == nil {
		return
	}
	expect.ring.push(b)
	if expect.ring.equals([]byte(expect.signal)) {
		close(expect.matched)
		w.pending = nil
	}
}

// pump consumes reader until it fails, handing every complete line to line.
func (w *consoleWatcher) pump(reader io.Reader, line func(string)) {
	defer close(w.closed)
	buffer := make([]byte, 4096)
	var current strings.Builder
	for {
		n, readErr := reader.Read(buffer)
		for _, b := range buffer[:n] {
			w.feed(b)
			switch b {
			case '\n':
				line(current.String())
				current.Reset()
			case '\r':
			default:
				current.WriteByte(b)
			}
		}
		if readErr != nil {
			if current.Len() > 0 {
				line(current.String())
			}
			return
		}
	}
}

func (e *expectation) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer e.watcher.disarm(e)

	select {
	case <-e.matched:
		return nil
	case <-e.watcher.closed:
		select {
		case <-e.matched:
			return nil
		default:
			return errConsoleClosed
		}
	case <-timer.C:
		return errExpectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

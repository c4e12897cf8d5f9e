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

package cancel

import (
	"context"
	"sync"
)

// Task is a long running foreground operation that can be asked to stop.
type Task interface {
	Stop()
	Done() <-chan struct{}
}

// AsyncTask runs a function on its own goroutine with a cancellable context.
type AsyncTask struct {
	stop context.CancelFunc
	done chan struct{}

	mu  sync.Mutex
	err error
}

func Go(parent context.Context, fn func(ctx context.Context) error) *AsyncTask {
	ctx, stop := context.WithCancel(parent)
	task := &AsyncTask{stop: stop, done: make(chan struct{})}
	go func() {
		defer close(task.done)
		defer stop()
		err := fn(ctx)
		task.mu.Lock()
		task.err = err
		task.mu.Unlock()
	}()
	return task
}

func (t *AsyncTask) Stop() {
	t.stop()
}

func (t *AsyncTask) Done() <-chan struct{} {
	return t.done
}

func (t *AsyncTask) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Err is the function result, nil while the task is still alive.
func (t *AsyncTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

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
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCancelled is the terminal state of a run stopped on request.
var ErrCancelled = errors.New("installation cancelled")

const taskJoinTimeout = 10 * time.Second

// Registry tracks every external process and the foreground task of one run.
type Registry struct {
	mu        sync.Mutex
	pids      map[int]struct{}
	task      Task
	cancelled bool

	ctx      context.Context
	stop     context.CancelFunc
	joinWait time.Duration
}

func NewRegistry(parent context.Context) *Registry {
	ctx, stop := context.WithCancel(parent)
	return &Registry{
		pids:     make(map[int]struct{}),
		ctx:      ctx,
		stop:     stop,
		joinWait: taskJoinTimeout,
	}
}

// Context is done once Cancel has signalled every registered process.
func (r *Registry) Context() context.Context {
	return r.ctx
}

func (r *Registry) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Register adds pid to the set terminated by Cancel. A pid registered after
// cancellation is terminated right away.
func (r *Registry) Register(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		terminate(pid)
		return ErrCancelled
	}
	r.pids[pid] = struct{}{}
	return nil
}

func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

func (r *Registry) RegisterTask(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		task.Stop()
		return ErrCancelled
	}
	if r.task != nil {
		return errors.New("a foreground task is already registered")
	}
	r.task = task
	return nil
}

func (r *Registry) UnregisterTask(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task == task {
		r.task = nil
	}
}

// Pids returns the currently registered process ids.
func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	return pids
}

// Cancel stops the foreground task, then terminates every registered process.
// Only the first call has an effect.
func (r *Registry) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	task := r.task
	r.mu.Unlock()

	if task != nil {
		task.Stop()
		select {
		case <-task.Done():
		case <-time.After(r.joinWait):
			logrus.WithField("timeout", r.joinWait).Warn("foreground task did not stop in time")
		}
	}

	r.mu.Lock()
	for pid := range r.pids {
		terminate(pid)
	}
	r.mu.Unlock()

	r.stop()
}

func terminate(pid int) {
	logger := logrus.WithField("pid", pid)
	process, findErr := os.FindProcess(pid)
	if findErr != nil {
		logger.WithError(findErr).Debug("process already gone")
		return
	}
	if signalErr := process.Signal(syscall.SIGTERM); signalErr != nil {
		if errors.Is(signalErr, os.ErrProcessDone) {
			return
		}
		if killErr := process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			logger.WithError(killErr).Warn("could not terminate process")
			return
		}
	}
	logger.Info("terminated process")
}

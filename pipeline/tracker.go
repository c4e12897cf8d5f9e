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

package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/offspot/kiwix-hotspot-sub000/report"
)

type StageID string

const (
	StageInit     StageID = "init"
	StageMaster   StageID = "master"
	StageDownload StageID = "download"
	StageSetup    StageID = "setup"
	StageCopy     StageID = "copy"
	StageMove     StageID = "move"
	StageWrite    StageID = "write"
)

// Stages lists the stages of a run, in order.
func Stages(withWrite bool) []StageID {
	stages := []StageID{StageInit, StageMaster, StageDownload, StageSetup, StageCopy, StageMove}
	if withWrite {
		stages = append(stages, StageWrite)
	}
	return stages
}

type stageRecord struct {
	id       StageID
	fraction float64
	known    bool
	start    time.Time
	end      time.Time
}

// Progress of a whole run. Known is false while the current stage cannot
// tell how far along it is.
type Progress struct {
	Value float64
	Known bool
}

type StageDuration struct {
	Stage    StageID
	Duration time.Duration
}

// Tracker follows a run through its stages.
type Tracker struct {
	mu      sync.Mutex
	stages  []stageRecord
	current int
	done    bool
	err     error
	logger  report.Logger
	now     func() time.Time
}

func NewTracker(stages []StageID, logger report.Logger) *Tracker {
	records := make([]stageRecord, len(stages))
	for i, id := range stages {
		records[i] = stageRecord{id: id}
	}
	return &Tracker{
		stages:  records,
		current: -1,
		logger:  logger,
		now:     time.Now,
	}
}

func (t *Tracker) closeCurrent() {
	if t.current >= 0 && t.stages[t.current].end.IsZero() {
		t.stages[t.current].end = t.now()
	}
}

// Start closes the running stage and opens id, which must come later in
// the run.
func (t *Tracker) Start(id StageID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := -1
	for i := t.current + 1; i < len(t.stages); i++ {
		if t.stages[i].id == id {
			next = i
			break
		}
	}
	if next < 0 {
		return fmt.Errorf("stage %s cannot start after %s", id, t.currentID())
	}
	t.closeCurrent()
	t.current = next
	t.stages[next].start = t.now()
	t.stages[next].known = true
	t.logger.Stage(string(id))
	return nil
}

func (t *Tracker) currentID() StageID {
	if t.current < 0 {
		return "nothing"
	}
	return t.stages[t.current].id
}

// SetProgress records how far the current stage is, between 0 and 1.
func (t *Tracker) SetProgress(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current < 0 {
		return
	}
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	t.stages[t.current].fraction = fraction
	t.stages[t.current].known = true
	t.logger.Progress(int64(fraction*1000), 1000)
}

func (t *Tracker) SetUnknown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current < 0 {
		return
	}
	t.stages[t.current].known = false
	t.logger.Progress(0, -1)
}

// Finish closes the run. A nil err marks every stage complete.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCurrent()
	t.done = true
	t.err = err
	if err == nil && t.current >= 0 {
		t.stages[t.current].fraction = 1
		t.stages[t.current].known = true
	}
}

func (t *Tracker) Overall() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := len(t.stages)
	if total == 0 || t.current < 0 {
		return Progress{Known: true}
	}
	if t.done && t.err == nil {
		return Progress{Value: 1, Known: true}
	}
	stage := t.stages[t.current]
	return Progress{
		Value: (float64(t.current) + stage.fraction) / float64(total),
		Known: stage.known,
	}
}

// Current returns the index, the number of stages and the id of the running
// stage. The index is -1 before the first stage.
func (t *Tracker) Current() (int, int, StageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current < 0 {
		return -1, len(t.stages), ""
	}
	return t.current, len(t.stages), t.stages[t.current].id
}

func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Durations covers every stage that started. A stage still running counts up
// to now.
func (t *Tracker) Durations() []StageDuration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var durations []StageDuration
	for _, stage := range t.stages {
		if stage.start.IsZero() {
			continue
		}
		end := stage.end
		if end.IsZero() {
			end = t.now()
		}
		durations = append(durations, StageDuration{Stage: stage.id, Duration: end.Sub(stage.start)})
	}
	return durations
}

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

// Package report carries progress and log messages from a build to whoever
// drives it.
package report

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger receives everything a build wants to show. Progress with a
// non-positive denominator means the amount of work left is unknown.
type Logger interface {
	Step(format string, args ...any)
	Std(format string, args ...any)
	Err(format string, args ...any)
	Succ(format string, args ...any)
	Progress(num, den int64)
	Stage(id string)
}

type LogrusLogger struct {
	entry *logrus.Entry
	stage string
}

func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{entry: logger.WithField("component", "builder")}
}

func (l *LogrusLogger) with(kind string) *logrus.Entry {
	entry := l.entry.WithField("kind", kind)
	if l.stage != "" {
		entry = entry.WithField("stage", l.stage)
	}
	return entry
}

func (l *LogrusLogger) Step(format string, args ...any) {
	l.with("step").Info(fmt.Sprintf(format, args...))
}

func (l *LogrusLogger) Std(format string, args ...any) {
	l.with("std").Debug(fmt.Sprintf(format, args...))
}

func (l *LogrusLogger) Err(format string, args ...any) {
	l.with("err").Error(fmt.Sprintf(format, args...))
}

func (l *LogrusLogger) Succ(format string, args ...any) {
	l.with("succ").Info(fmt.Sprintf(format, args...))
}

func (l *LogrusLogger) Progress(num, den int64) {
	entry := l.with("progress")
	if den <= 0 {
		entry.Debug("progress unknown")
		return
	}
	entry.WithFields(logrus.Fields{"done": num, "total": den}).
		Debugf("progress %.1f%%", float64(num)*100/float64(den))
}

func (l *LogrusLogger) Stage(id string) {
	l.stage = id
	l.with("stage").Infof("entering stage %s", id)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Step(string, ...any) {}
func (Nop) Std(string, ...any) {}
func (Nop) Err(string, ...any) {}
func (Nop) Succ(string, ...any) {}
func (Nop) Progress(int64, int64) {}
func (Nop) Stage(string) {}

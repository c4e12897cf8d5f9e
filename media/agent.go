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

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/spf13/afero"
)

// Router sends each request to the agent handling its scheme.
type Router struct {
	HTTP    Agent
	Storage Agent
	S3      Agent
	Local   Agent
}

func (r Router) Fetch(ctx context.Context, request Request, progress ProgressFunc) (string, error) {
	agent, agentErr := r.agentFor(request.Source)
	if agentErr != nil {
		return "", agentErr
	}
	return agent.Fetch(ctx, request, progress)
}

func (r Router) agentFor(source string) (Agent, error) {
	var agent Agent
	scheme := ""
	if parsed, err := url.Parse(source); err == nil {
		scheme = strings.ToLower(parsed.Scheme)
	}
	switch scheme {
	case "http", "https", "ftp":
		agent = r.HTTP
	case "gs":
		agent = r.Storage
	case "s3":
		agent = r.S3
	case "", "file":
		agent = r.Local
	default:
		// windows drive letters parse as a one letter scheme
		if len(scheme) == 1 {
			agent = r.Local
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("no download agent for %s", source)
	}
	return agent, nil
}

// Local copies a file already present on the host.
type Local struct {
	Fs afero.Fs
}

func (l Local) Fetch(_ context.Context, request Request, progress ProgressFunc) (string, error) {
	source := strings.TrimPrefix(request.Source, "file://")
	input, openErr := l.Fs.Open(source)
	if openErr != nil {
		return "", openErr
	}
	defer utility.WrappedClose(input)

	info, statErr := input.Stat()
	if statErr != nil {
		return "", statErr
	}

	output, createErr := l.Fs.Create(request.Destination)
	if createErr != nil {
		return "", createErr
	}
	defer utility.WrappedClose(output)

	writer := newProgressWriter(output, 0, info.Size(), progress)
	if _, err := io.Copy(writer, input); err != nil {
		return "", err
	}
	writer.flush()
	return request.Destination, nil
}

// rangeOpener opens a remote object starting at offset and reports the total
// object size.
type rangeOpener func(ctx context.Context, offset int64) (io.ReadCloser, int64, error)

// resumeInto continues a partial transfer in destination.part, then moves the
// finished file into place.
func resumeInto(ctx context.Context, fileSystem afero.Fs, destination string, open rangeOpener, progress ProgressFunc) error {
	partial := destination + ".part"
	var offset int64
	if info, err := fileSystem.Stat(partial); err == nil {
		offset = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	body, total, openErr := open(ctx, offset)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(body)

	output, createErr := fileSystem.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if createErr != nil {
		return createErr
	}

	writer := newProgressWriter(output, offset, total, progress)
	_, copyErr := io.Copy(writer, body)
	closeErr := output.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	writer.flush()

	return fileSystem.Rename(partial, destination)
}

const progressInterval = 1 << 20

// progressWriter reports progress at most once per progressInterval bytes.
type progressWriter struct {
	writer   io.Writer
	done     int64
	total    int64
	reported int64
	progress ProgressFunc
}

func newProgressWriter(writer io.Writer, done int64, total int64, progress ProgressFunc) *progressWriter {
	if progress == nil {
		progress = func(int64, int64) {}
	}
	return &progressWriter{writer: writer, done: done, total: total, reported: done, progress: progress}
}

func (p *progressWriter) Write(data []byte) (int, error) {
	written, err := p.writer.Write(data)
	p.done += int64(written)
	if p.done-p.reported >= progressInterval {
		p.flush()
	}
	return written, err
}

func (p *progressWriter) flush() {
	p.reported = p.done
	p.progress(p.done, p.total)
}

// aggregateProgress folds per transfer progress into a single figure.
type aggregateProgress struct {
	mu       sync.Mutex
	done     []int64
	total    []int64
	progress ProgressFunc
}

func newAggregateProgress(count int, progress ProgressFunc) *aggregateProgress {
	if progress == nil {
		progress = func(int64, int64) {}
	}
	return &aggregateProgress{done: make([]int64, count), total: make([]int64, count), progress: progress}
}

func (a *aggregateProgress) update(index int, done int64, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done[index] = done
	if total > 0 {
		a.total[index] = total
	}
	a.emit()
}

func (a *aggregateProgress) complete(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total[index] > 0 {
		a.done[index] = a.total[index]
	}
	a.emit()
}

func (a *aggregateProgress) emit() {
	var done, total int64
	for index := range a.done {
		done += a.done[index]
		total += a.total[index]
	}
	a.progress(done, total)
}

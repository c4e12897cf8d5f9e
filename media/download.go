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
	"io/fs"
	"path/filepath"

	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type Result int

const (
	Failed Result = iota
	FoundOnDisk
	Downloaded
)

func (r Result) String() string {
	switch r {
	case FoundOnDisk:
		return "found on disk"
	case Downloaded:
		return "downloaded"
	default:
		return "failed"
	}
}

type Request struct {
	Source      string
	Destination string
	Checksum    string
}

type ProgressFunc func(done int64, total int64)

// DownloadError is a fetch that did not produce a verified file.
type DownloadError struct {
	Source string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

var errChecksumMismatch = errors.New("checksum mismatch")

// Agent materializes a request on disk. The returned path may differ from the
// requested destination when the source decides the file name.
type Agent interface {
	Fetch(ctx context.Context, request Request, progress ProgressFunc) (string, error)
}

type Downloader struct {
	fs    afero.Fs
	agent Agent
}

func NewDownloader(fileSystem afero.Fs, agent Agent) *Downloader {
	return &Downloader{fs: fileSystem, agent: agent}
}

// Fetch returns FoundOnDisk without touching the agent when the destination is
// already there and valid.
func (d *Downloader) Fetch(ctx context.Context, request Request, progress ProgressFunc) (Result, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("fetching: %s", filepath.Base(request.Destination)))
	defer span.End()
	span.SetAttributes(attribute.String("source", request.Source))

	logger := logrus.WithFields(logrus.Fields{"source": request.Source, "destination": request.Destination})

	checksum, checksumErr := ParseChecksum(request.Checksum)
	if checksumErr != nil {
		return Failed, &DownloadError{Source: request.Source, Err: checksumErr}
	}

	needed, verifyErr := d.needsToDownload(request.Destination, checksum)
	if verifyErr != nil {
		return Failed, &DownloadError{Source: request.Source, Err: verifyErr}
	}
	if !needed {
		logger.Debug("found on disk")
		return FoundOnDisk, nil
	}

	if progress == nil {
		progress = func(int64, int64) {}
	}

	materialized, agentErr := d.agent.Fetch(ctx, request, progress)
	if agentErr != nil {
		return Failed, &DownloadError{Source: request.Source, Err: agentErr}
	}

	if materialized != "" && materialized != request.Destination {
		logger.WithField("materialized", materialized).Debug("moving payload into place")
		if err := d.fs.Rename(materialized, request.Destination); err != nil {
			return Failed, &DownloadError{Source: request.Source, Err: err}
		}
		if staging := filepath.Dir(materialized); staging != filepath.Dir(request.Destination) {
			if err := d.fs.Remove(staging); err != nil {
				logger.WithError(err).Debug("staging directory left behind")
			}
		}
	}

	matches, matchErr := checksum.MatchesFile(d.fs, request.Destination)
	if matchErr != nil {
		return Failed, &DownloadError{Source: request.Source, Err: matchErr}
	}
	if !matches {
		return Failed, &DownloadError{Source: request.Source, Err: errChecksumMismatch}
	}

	logger.Info("downloaded")
	return Downloaded, nil
}

func (d *Downloader) needsToDownload(destination string, checksum Checksum) (bool, error) {
	_, statErr := d.fs.Stat(destination)
	if errors.Is(statErr, fs.ErrNotExist) {
		return true, nil
	}
	if statErr != nil {
		return false, statErr
	}
	matches, matchErr := checksum.MatchesFile(d.fs, destination)
	if matchErr != nil {
		return false, matchErr
	}
	if !matches {
		logrus.WithField("destination", destination).Info("existing file does not match checksum, downloading again")
	}
	return !matches, nil
}

// Fetcher is what FetchAll needs from a Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, request Request, progress ProgressFunc) (Result, error)
}

// FetchAll downloads requests with at most concurrency transfers in flight. The
// first failure cancels the rest and is returned as is.
func FetchAll(ctx context.Context, fetcher Fetcher, requests []Request, concurrency int, progress ProgressFunc) error {
	tracker := newAggregateProgress(len(requests), progress)
	group, groupCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}
	for index, request := range requests {
		index, request := index, request
		group.Go(func() error {
			_, err := fetcher.Fetch(groupCtx, request, func(done int64, total int64) {
				tracker.update(index, done, total)
			})
			if err == nil {
				tracker.complete(index)
			}
			return err
		})
	}
	return group.Wait()
}

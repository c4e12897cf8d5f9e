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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/configure"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertExists(t *testing.T, fs afero.Fs, path string, expected bool) {
	t.Helper()
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.Equal(t, expected, exists, path)
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.installer.Run(context.TODO(), f.params)
	require.NoError(t, err)
	assert.Equal(t, "/build/kiwix.img", outcome.Image)
	assert.Nil(t, outcome.WriteErr)
	assert.NotEmpty(t, outcome.RunID)
	assertExists(t, f.fs, "/build/kiwix.img", true)
	assertExists(t, f.fs, "/build/kiwix.BUILDING.img", false)
	assertExists(t, f.fs, "/build/kiwix.ERROR.img", false)

	assert.Equal(t, []string{"init", "master", "download", "setup", "copy", "move"}, f.logger.stages)
	assert.Len(t, outcome.Durations, 6)
	assert.Equal(t, Progress{Value: 1, Known: true}, f.installer.Tracker().Overall())

	require.Len(t, f.provisioner.phases, 2)
	assert.Equal(t, []string{"setup", "captive-portal"}, f.provisioner.phases[0].Tags)
	assert.Equal(t, []string{"move"}, f.provisioner.phases[1].Tags)
	assert.Equal(t, "kiwix", f.provisioner.vars[0]["name"])
	assert.Equal(t, "/build/kiwix.BUILDING.img", f.machine.image)
	assert.Equal(t, 2, f.machine.boots)
	assert.Equal(t, 2, f.machine.shutdowns)
	assert.Equal(t, 1, f.machine.closed)

	assert.Equal(t, 2, f.partitions.formats)
	assert.Equal(t, 1, f.partitions.verifies)
	data, readErr := afero.ReadFile(f.partitions.data, "zims/wikipedia.zim")
	require.NoError(t, readErr)
	assert.Equal(t, "ZIM wikipedia", string(data))
	assertExists(t, f.partitions.data, "zims/wiktionary.zim", true)
}

func TestRunSizesImageToContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.installer.Run(context.TODO(), f.params)
	require.NoError(t, err)

	info, statErr := f.fs.Stat("/build/kiwix.img")
	require.NoError(t, statErr)
	expected := media.MinimumImageSize(rootSize, 5000)
	assert.Equal(t, int64(expected.Bytes()), info.Size())
	require.Len(t, f.tables.created, 1)
	assert.Equal(t, int64(rootSize), f.tables.created[0].Offset)
}

func TestRunExplicitSize(t *testing.T) {
	f := newFixture(t)
	f.params.Size = 64 * datasize.MB

	_, err := f.installer.Run(context.TODO(), f.params)
	require.NoError(t, err)

	info, statErr := f.fs.Stat("/build/kiwix.img")
	require.NoError(t, statErr)
	assert.Equal(t, int64(64<<20), info.Size())
}

func TestRunCopyFailureMarksImage(t *testing.T) {
	f := newFixture(t)
	copyErr := errors.New("no space left on device")
	f.partitions.copyErr = copyErr

	outcome, err := f.installer.Run(context.TODO(), f.params)
	assert.ErrorIs(t, err, copyErr)
	assert.Equal(t, "/build/kiwix.ERROR.img", outcome.Image)
	assertExists(t, f.fs, "/build/kiwix.ERROR.img", true)
	assertExists(t, f.fs, "/build/kiwix.BUILDING.img", false)
	assertExists(t, f.fs, "/build/kiwix.img", false)
	assert.Equal(t, f.machine.boots, f.machine.shutdowns)
	assert.Equal(t, 1, f.machine.closed)
	assert.ErrorIs(t, f.installer.Tracker().Err(), copyErr)
	assert.NotEmpty(t, f.logger.errs)
}

func TestRunPreflight(t *testing.T) {
	f := newFixture(t)
	f.missing["parted"] = true
	f.params.Branding = configure.Branding{Logo: "/home/user/logo.png"}

	outcome, err := f.installer.Run(context.TODO(), f.params)
	var preflightErr *PreflightError
	require.ErrorAs(t, err, &preflightErr)
	assert.Len(t, preflightErr.Problems, 2)
	assert.Empty(t, outcome.Image)
	assert.Equal(t, []string{"init"}, f.logger.stages)
	assert.Empty(t, f.fetcher.fetched)
}

func TestRunDownloadErrorIsReturnedVerbatim(t *testing.T) {
	f := newFixture(t)
	downloadErr := &media.DownloadError{Source: "https://download.kiwix.org/zim/wiktionary.zim", Err: errors.New("404")}
	f.fetcher.failures["https://download.kiwix.org/zim/wiktionary.zim"] = downloadErr

	outcome, err := f.installer.Run(context.TODO(), f.params)
	assert.Same(t, downloadErr, err)
	assert.Equal(t, "/build/kiwix.ERROR.img", outcome.Image)
	assert.Zero(t, f.machine.boots)
}

func TestRunUnknownContent(t *testing.T) {
	f := newFixture(t)
	f.params.Contents = []string{"wikipedia", "nonexistent"}

	_, err := f.installer.Run(context.TODO(), f.params)
	assert.EqualError(t, err, "unknown content: nonexistent")
}

func TestRunRootLargerThanDeclared(t *testing.T) {
	f := newFixture(t)
	f.tables.rootEnd = 2 * rootSize

	outcome, err := f.installer.Run(context.TODO(), f.params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past the declared root size")
	assert.Equal(t, "/build/kiwix.ERROR.img", outcome.Image)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	f.provisioner.hook = func(configure.Phase) error {
		f.registry.Cancel()
		return context.Canceled
	}

	outcome, err := f.installer.Run(context.TODO(), f.params)
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Equal(t, "/build/kiwix.ERROR.img", outcome.Image)
	assert.Equal(t, []string{"init", "master", "download", "setup"}, f.logger.stages)
	assert.Equal(t, 1, f.machine.shutdowns)
	require.NotNil(t, f.machine.shutdownCtx)
	_, bounded := f.machine.shutdownCtx.Deadline()
	assert.True(t, bounded)
}

func TestRunWritesDevice(t *testing.T) {
	f := newFixture(t)
	f.params.Device = "/dev/sdz"

	outcome, err := f.installer.Run(context.TODO(), f.params)
	require.NoError(t, err)
	assert.Nil(t, outcome.WriteErr)
	assert.Equal(t, "write", f.logger.stages[len(f.logger.stages)-1])
	assert.Len(t, outcome.Durations, 7)
}

func TestRunWriteFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	f.params.Device = "/dev/sdz"
	f.writeErr = errors.New("permission denied")

	outcome, err := f.installer.Run(context.TODO(), f.params)
	require.NoError(t, err)
	require.NotNil(t, outcome.WriteErr)
	assert.Equal(t, "/dev/sdz", outcome.WriteErr.Device)
	assert.Equal(t, "/build/kiwix.img", outcome.Image)
	assertExists(t, f.fs, "/build/kiwix.img", true)
	assert.NotEmpty(t, f.logger.errs)
}

func TestStartCallsDoneOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	finished := make(chan error, 2)

	f.installer.Start(context.TODO(), f.params, func(_ Outcome, err error) {
		calls.Add(1)
		finished <- err
	})

	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("done was never called")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartReportsPanics(t *testing.T) {
	f := newFixture(t)
	f.provisioner.hook = func(configure.Phase) error {
		panic("provisioner exploded")
	}
	finished := make(chan error, 1)

	f.installer.Start(context.TODO(), f.params, func(_ Outcome, err error) {
		finished <- err
	})

	select {
	case err := <-finished:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provisioner exploded")
	case <-time.After(5 * time.Second):
		t.Fatal("done was never called")
	}
}

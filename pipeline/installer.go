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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/configure"
	"github.com/offspot/kiwix-hotspot-sub000/content"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/partition"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
)

const writePollInterval = 500 * time.Millisecond

// Outcome is what a finished run leaves behind. WriteErr is set when the
// image was built but could not be written to the device.
type Outcome struct {
	RunID     string
	Image     string
	WriteErr  *media.WriteMediaError
	Durations []StageDuration
}

type Installer struct {
	env     Environment
	tracker atomic.Pointer[Tracker]
}

func NewInstaller(env Environment) *Installer {
	return &Installer{env: env}
}

// Tracker follows the latest run. It is nil before the first one starts.
func (i *Installer) Tracker() *Tracker {
	return i.tracker.Load()
}

// Start runs the installation in the background. done is called exactly once.
func (i *Installer) Start(ctx context.Context, params Params, done func(Outcome, error)) {
	go func() {
		var (
			outcome Outcome
			err     error
		)
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("installation crashed: %v", recovered)
			}
			done(outcome, err)
		}()
		outcome, err = i.Run(ctx, params)
	}()
}

// run carries the state of one installation between stages.
type run struct {
	params   Params
	log      *logrus.Entry
	tracker  *Tracker
	catalog  content.Catalog
	items    []content.Item
	requests []media.Request
	geometry partition.Geometry
	machine  Machine
}

// Run builds the image described by params. On failure the partial image is
// renamed to its error name.
func (i *Installer) Run(ctx context.Context, params Params) (Outcome, error) {
	runID := uuid.NewString()
	ctx, span := telemetry.GetTracer().Start(ctx, "install")
	defer span.End()
	span.SetAttributes(attribute.String("run", runID), attribute.String("name", params.Name))

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	stopOnCancel := context.AfterFunc(i.env.Registry.Context(), stop)
	defer stopOnCancel()

	state := &run{
		params:  params,
		log:     logrus.WithFields(logrus.Fields{"run": runID, "image": params.Name}),
		tracker: NewTracker(Stages(params.Device != ""), i.env.Logger),
	}
	i.tracker.Store(state.tracker)
	outcome := Outcome{RunID: runID}
	started := time.Now()

	err := i.build(ctx, state)
	if state.machine != nil {
		if closeErr := state.machine.Close(); closeErr != nil {
			state.log.WithError(closeErr).Warn("could not release emulator")
		}
		_ = i.env.Fs.Remove(params.BuildingPath() + ".lock")
	}
	if err != nil && i.env.Registry.Cancelled() && !errors.Is(err, cancel.ErrCancelled) {
		err = fmt.Errorf("%w: %w", cancel.ErrCancelled, err)
	}

	if err != nil {
		outcome.Image = i.markFailed(state)
		i.env.Logger.Err("Installation failed: %v", err)
	} else {
		outcome.Image = params.ImagePath()
		outcome.WriteErr, err = i.write(ctx, state)
	}
	state.tracker.Finish(err)
	outcome.Durations = state.tracker.Durations()
	i.summarize(state, time.Since(started))
	return outcome, err
}

func (i *Installer) markFailed(state *run) string {
	building := state.params.BuildingPath()
	exists, existsErr := afero.Exists(i.env.Fs, building)
	if existsErr != nil || !exists {
		return ""
	}
	failed := state.params.ErrorPath()
	if err := i.env.Fs.Rename(building, failed); err != nil {
		state.log.WithError(err).Error("could not rename failed image")
		return building
	}
	return failed
}

func (i *Installer) summarize(state *run, total time.Duration) {
	for _, stage := range state.tracker.Durations() {
		state.log.WithField("stage", stage.Stage).Infof("%s took %s", stage.Stage, units.HumanDuration(stage.Duration))
	}
	i.env.Logger.Step("Total duration: %s", units.HumanDuration(total))
}

func (i *Installer) checkCancelled() error {
	if i.env.Registry.Cancelled() {
		return cancel.ErrCancelled
	}
	return nil
}

func (i *Installer) stage(ctx context.Context, state *run, id StageID, body func(context.Context) error) error {
	if err := i.checkCancelled(); err != nil {
		return err
	}
	if err := state.tracker.Start(id); err != nil {
		return err
	}
	ctx, span := telemetry.GetTracer().Start(ctx, string(id))
	defer span.End()
	state.log.WithField("stage", id).Info("stage started")
	return body(ctx)
}

func (i *Installer) build(ctx context.Context, state *run) error {
	steps := []struct {
		id   StageID
		body func(context.Context, *run) error
	}{
		{id: StageInit, body: i.initStage},
		{id: StageMaster, body: i.masterStage},
		{id: StageDownload, body: i.downloadStage},
		{id: StageSetup, body: i.setupStage},
		{id: StageCopy, body: i.copyStage},
		{id: StageMove, body: i.moveStage},
	}
	for _, step := range steps {
		step := step
		if err := i.stage(ctx, state, step.id, func(ctx context.Context) error {
			return step.body(ctx, state)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) preflight(params Params) error {
	var problems []error
	if params.Name == "" {
		problems = append(problems, errors.New("an image name is required"))
	}
	if params.BuildDir == "" {
		problems = append(problems, errors.New("a build directory is required"))
	}
	for _, binary := range i.env.Binaries {
		if _, err := i.env.LookPath(binary); err != nil {
			problems = append(problems, fmt.Errorf("%s is not installed: %w", binary, err))
		}
	}
	for _, file := range append(params.Branding.Paths(), params.LocalFiles...) {
		if exists, err := afero.Exists(i.env.Fs, file); err != nil || !exists {
			problems = append(problems, fmt.Errorf("%s not found", file))
		}
	}
	if params.Device != "" {
		if i.env.WriteMedia == nil {
			problems = append(problems, errors.New("writing to a device is not supported here"))
		}
		if i.env.ValidateDevice != nil {
			if err := i.env.ValidateDevice(params.Device); err != nil {
				problems = append(problems, err)
			}
		}
	}
	if len(problems) > 0 {
		return &PreflightError{Problems: problems}
	}
	return nil
}

func (i *Installer) initStage(ctx context.Context, state *run) error {
	i.env.Logger.Step("Checking prerequisites")
	if err := i.preflight(state.params); err != nil {
		return err
	}
	if err := i.env.Fs.MkdirAll(state.params.cacheDir(), 0o755); err != nil {
		return err
	}

	catalog, catalogErr := i.env.Catalog.Catalog(ctx)
	if catalogErr != nil {
		return fmt.Errorf("loading catalog: %w", catalogErr)
	}
	items, selectErr := catalog.Select(state.params.Contents)
	if selectErr != nil {
		return selectErr
	}
	state.catalog = catalog
	state.items = items
	for _, item := range items {
		state.requests = append(state.requests, media.Request{
			Source:      item.URL,
			Destination: filepath.Join(state.params.cacheDir(), item.FileName()),
			Checksum:    item.Checksum,
		})
	}
	return nil
}

func (i *Installer) stageProgress(state *run) media.ProgressFunc {
	return func(done int64, total int64) {
		if total <= 0 {
			state.tracker.SetUnknown()
			return
		}
		state.tracker.SetProgress(float64(done) / float64(total))
	}
}

func (i *Installer) contentSize(state *run) (int64, error) {
	_, expanded := content.Sizes(state.items)
	for _, file := range state.params.LocalFiles {
		info, statErr := i.env.Fs.Stat(file)
		if statErr != nil {
			return 0, statErr
		}
		expanded += info.Size()
	}
	return expanded, nil
}

func (i *Installer) masterStage(ctx context.Context, state *run) error {
	base := state.catalog.BaseImage
	archive := filepath.Join(state.params.cacheDir(), base.FileName())
	building := state.params.BuildingPath()

	i.env.Logger.Step("Downloading base image %s", base.FileName())
	if _, err := i.env.Downloader.Fetch(ctx, media.Request{Source: base.URL, Destination: archive, Checksum: base.Checksum}, i.stageProgress(state)); err != nil {
		return err
	}
	if err := i.checkCancelled(); err != nil {
		return err
	}

	i.env.Logger.Step("Extracting base image")
	state.tracker.SetUnknown()
	if err := i.env.Fs.Remove(building); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := media.ExtractImage(ctx, i.env.Fs, archive, building); err != nil {
		return err
	}

	table, tableErr := i.env.Tables.ReadTable(ctx, building)
	if tableErr != nil {
		return tableErr
	}
	rootEnd, rootErr := partition.RootEnd(table)
	if rootErr != nil {
		return rootErr
	}
	rootSize := base.RootPartitionSize
	if rootSize == 0 {
		rootSize = rootEnd
	}
	if rootEnd > rootSize {
		return fmt.Errorf("base image partitions end at %d, past the declared root size %d", rootEnd, rootSize)
	}

	size := state.params.Size
	if size == 0 {
		contentSize, sizeErr := i.contentSize(state)
		if sizeErr != nil {
			return sizeErr
		}
		size = media.MinimumImageSize(rootSize, contentSize)
	}
	i.env.Logger.Step("Resizing image to %s", units.HumanSize(float64(size.Bytes())))
	if err := media.ResizeImage(i.env.Fs, building, size); err != nil {
		return err
	}
	resized, resizedErr := media.ImageSize(i.env.Fs, building)
	if resizedErr != nil {
		return resizedErr
	}
	if resized != int64(size.Bytes()) {
		return fmt.Errorf("image %s is %d bytes after resizing to %d", building, resized, int64(size.Bytes()))
	}

	geometry, geometryErr := partition.DataPartition(rootSize, int64(size.Bytes()))
	if geometryErr != nil {
		return geometryErr
	}
	state.geometry = geometry
	state.log.WithField("geometry", geometry.String()).Debug("data partition")

	if err := i.env.Tables.CreateDataPartition(ctx, building, geometry); err != nil {
		return err
	}
	i.env.Logger.Step("Formatting data partition")
	if err := i.env.Partitions.FormatDataPartition(ctx, building, geometry); err != nil {
		return err
	}
	return i.env.Partitions.VerifyMountRoundTrip(ctx, building, geometry)
}

func (i *Installer) downloadStage(ctx context.Context, state *run) error {
	archive, _ := content.Sizes(state.items)
	i.env.Logger.Step("Downloading %d items (%s)", len(state.requests), units.HumanSize(float64(archive)))
	return media.FetchAll(ctx, i.env.Downloader, state.requests, i.env.Concurrency, i.stageProgress(state))
}

func (i *Installer) provisionProgress(state *run) func(int, int) {
	return func(done int, total int) {
		if total <= 0 {
			state.tracker.SetUnknown()
			return
		}
		state.tracker.SetProgress(float64(done) / float64(total))
	}
}

// provision boots the machine for phase and always shuts it down again.
func (i *Installer) provision(ctx context.Context, state *run, phase configure.Phase) (err error) {
	if state.machine == nil {
		machine, machineErr := i.env.Machines(state.params.BuildingPath())
		if machineErr != nil {
			return machineErr
		}
		state.machine = machine
	}
	state.tracker.SetUnknown()
	if err := state.machine.Boot(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, release := utility.CleanupContext(ctx, i.env.CleanupTimeout)
		defer release()
		if shutdownErr := state.machine.Shutdown(shutdownCtx); shutdownErr != nil {
			if err == nil {
				err = shutdownErr
				return
			}
			state.log.WithError(shutdownErr).Warn("emulator shutdown failed")
		}
	}()
	return i.env.Provisioner.Run(ctx, state.machine, phase, state.params.vars(), i.provisionProgress(state))
}

func (i *Installer) setupStage(ctx context.Context, state *run) error {
	return i.provision(ctx, state, configure.SetupPhase(state.params.Features))
}

func (i *Installer) copyStage(ctx context.Context, state *run) error {
	building := state.params.BuildingPath()
	if err := i.env.Partitions.FormatDataPartition(ctx, building, state.geometry); err != nil {
		return err
	}

	total := len(state.items) + len(state.params.LocalFiles)
	return i.env.Partitions.WithDataPartition(ctx, building, state.geometry, func(data afero.Fs) error {
		copied := 0
		advance := func() {
			copied++
			state.tracker.SetProgress(float64(copied) / float64(total+1))
		}
		for index, item := range state.items {
			i.env.Logger.Step("Copying %s", item.ID)
			if err := configure.CopyItem(ctx, data, i.env.Fs, state.requests[index].Destination, item); err != nil {
				return err
			}
			advance()
		}
		for _, file := range state.params.LocalFiles {
			local := content.Item{ID: filepath.Base(file), Kind: content.KindArchive}
			if err := configure.CopyItem(ctx, data, i.env.Fs, file, local); err != nil {
				return err
			}
			advance()
		}
		return configure.WriteBranding(data, i.env.Fs, state.params.Branding)
	})
}

func (i *Installer) moveStage(ctx context.Context, state *run) error {
	if err := i.provision(ctx, state, configure.MovePhase()); err != nil {
		return err
	}
	if err := i.checkCancelled(); err != nil {
		return err
	}
	if err := i.env.Fs.Rename(state.params.BuildingPath(), state.params.ImagePath()); err != nil {
		return err
	}
	i.env.Logger.Succ("Image ready at %s", state.params.ImagePath())
	return nil
}

// write copies the finished image to the requested device. Failing to do so
// leaves a usable image, so only cancellation is returned as an error.
func (i *Installer) write(ctx context.Context, state *run) (*media.WriteMediaError, error) {
	device := state.params.Device
	if device == "" {
		return nil, nil
	}
	if err := i.stage(ctx, state, StageWrite, func(context.Context) error { return nil }); err != nil {
		return nil, err
	}
	i.env.Logger.Step("Writing image to %s", device)

	var written, size atomic.Int64
	task := cancel.Go(ctx, func(taskCtx context.Context) error {
		return i.env.WriteMedia(taskCtx, i.env.Fs, state.params.ImagePath(), device, func(done int64, total int64) {
			written.Store(done)
			size.Store(total)
		})
	})
	if err := i.env.Registry.RegisterTask(task); err != nil {
		<-task.Done()
		return nil, err
	}
	defer i.env.Registry.UnregisterTask(task)

	ticker := time.NewTicker(writePollInterval)
	defer ticker.Stop()
	for task.Alive() {
		select {
		case <-task.Done():
		case <-ticker.C:
		}
		if total := size.Load(); total > 0 {
			state.tracker.SetProgress(float64(written.Load()) / float64(total))
		}
	}

	writeErr := task.Err()
	if writeErr == nil {
		i.env.Logger.Succ("Image written to %s", device)
		return nil, nil
	}
	if i.env.Registry.Cancelled() {
		return nil, fmt.Errorf("%w: %w", cancel.ErrCancelled, writeErr)
	}
	var mediaErr *media.WriteMediaError
	if !errors.As(writeErr, &mediaErr) {
		mediaErr = &media.WriteMediaError{Device: device, Err: writeErr}
	}
	i.env.Logger.Err("Could not write to %s: %v. %s", device, mediaErr.Err, mediaErr.Hint())
	state.log.WithError(writeErr).WithField("size", datasize.ByteSize(size.Load()).HumanReadable()).Warn("write failed")
	return mediaErr, nil
}

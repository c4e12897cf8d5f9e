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
	"io"
	"os"
	"sync"
	"testing"

	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/configure"
	"github.com/offspot/kiwix-hotspot-sub000/content"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/partition"
	"github.com/offspot/kiwix-hotspot-sub000/vm"
	"github.com/spf13/afero"
)

const rootSize = 1 << 20

type fakeFetcher struct {
	fs       afero.Fs
	payloads map[string][]byte
	failures map[string]error
	mu       sync.Mutex
	fetched  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, request media.Request, progress media.ProgressFunc) (media.Result, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, request.Source)
	f.mu.Unlock()
	if err, ok := f.failures[request.Source]; ok {
		return media.Failed, err
	}
	payload, ok := f.payloads[request.Source]
	if !ok {
		return media.Failed, fmt.Errorf("no payload for %s", request.Source)
	}
	if progress != nil {
		progress(int64(len(payload)), int64(len(payload)))
	}
	return media.Downloaded, afero.WriteFile(f.fs, request.Destination, payload, 0o644)
}

type fakeCatalog struct {
	catalog content.Catalog
}

func (f fakeCatalog) Catalog(context.Context) (content.Catalog, error) {
	return f.catalog, nil
}

type fakeTables struct {
	rootEnd int64
	created []partition.Geometry
}

func (f *fakeTables) ReadTable(context.Context, string) (partition.PrintOutput, error) {
	var table partition.PrintOutput
	table.Disk.Partitions = []partition.PartitionEntry{
		{Number: 1, Start: "4096B", End: "65535B"},
		{Number: 2, Start: "65536B", End: fmt.Sprintf("%dB", f.rootEnd-1)},
	}
	return table, nil
}

func (f *fakeTables) CreateDataPartition(_ context.Context, _ string, geometry partition.Geometry) error {
	f.created = append(f.created, geometry)
	return nil
}

type fakePartitions struct {
	data     afero.Fs
	formats  int
	verifies int
	copyErr  error
}

func (f *fakePartitions) FormatDataPartition(context.Context, string, partition.Geometry) error {
	f.formats++
	f.data = afero.NewMemMapFs()
	return nil
}

func (f *fakePartitions) WithDataPartition(_ context.Context, _ string, _ partition.Geometry, fn func(afero.Fs) error) error {
	if err := fn(f.data); err != nil {
		return err
	}
	return f.copyErr
}

func (f *fakePartitions) VerifyMountRoundTrip(context.Context, string, partition.Geometry) error {
	f.verifies++
	return nil
}

type fakeMachine struct {
	image     string
	boots     int
	shutdowns int
	closed    int
	// shutdownCtx is the context of the latest Shutdown call.
	shutdownCtx context.Context
}

func (m *fakeMachine) Boot(context.Context) error {
	m.boots++
	return nil
}

func (m *fakeMachine) Shutdown(ctx context.Context) error {
	m.shutdowns++
	m.shutdownCtx = ctx
	return nil
}

func (m *fakeMachine) Close() error {
	m.closed++
	return nil
}

func (m *fakeMachine) Exec(context.Context, string, ...vm.ExecOption) (vm.ExecResult, error) {
	return vm.ExecResult{}, nil
}

func (m *fakeMachine) PutFile(context.Context, io.Reader, string, os.FileMode) error {
	return nil
}

type fakeProvisioner struct {
	phases []configure.Phase
	vars   []configure.Vars
	hook   func(phase configure.Phase) error
}

func (p *fakeProvisioner) Run(_ context.Context, _ configure.Shell, phase configure.Phase, vars configure.Vars, progress func(int, int)) error {
	p.phases = append(p.phases, phase)
	p.vars = append(p.vars, vars)
	progress(0, 2)
	if p.hook != nil {
		if err := p.hook(phase); err != nil {
			return err
		}
	}
	progress(2, 2)
	return nil
}

type recordingLogger struct {
	mu     sync.Mutex
	stages []string
	errs   []string
}

func (l *recordingLogger) Step(string, ...any) {}
func (l *recordingLogger) Std(string, ...any) {}
func (l *recordingLogger) Succ(string, ...any) {}
func (l *recordingLogger) Progress(int64, int64) {}

func (l *recordingLogger) Err(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Stage(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, id)
}

type fixture struct {
	fs          afero.Fs
	fetcher     *fakeFetcher
	tables      *fakeTables
	partitions  *fakePartitions
	machine     *fakeMachine
	provisioner *fakeProvisioner
	logger      *recordingLogger
	registry    *cancel.Registry
	missing     map[string]bool
	params      Params
	installer   *Installer
	writeErr    error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	f := &fixture{
		fs: fs,
		fetcher: &fakeFetcher{
			fs: fs,
			payloads: map[string][]byte{
				"https://download.kiwix.org/hotspot/base.img":   make([]byte, 8192),
				"https://download.kiwix.org/zim/wikipedia.zim":  []byte("ZIM wikipedia"),
				"https://download.kiwix.org/zim/wiktionary.zim": []byte("ZIM wiktionary"),
			},
			failures: make(map[string]error),
		},
		tables:      &fakeTables{rootEnd: rootSize},
		partitions:  &fakePartitions{},
		machine:     &fakeMachine{},
		provisioner: &fakeProvisioner{},
		logger:      &recordingLogger{},
		registry:    cancel.NewRegistry(context.Background()),
		missing:     make(map[string]bool),
		params: Params{
			Name:     "kiwix",
			BuildDir: "/build",
			Contents: []string{"wikipedia", "wiktionary"},
			Features: []string{"captive-portal"},
			Vars:     configure.Vars{"admin_password": "secret"},
		},
	}
	catalog := content.Catalog{
		BaseImage: content.BaseImage{
			Name:              "base.img",
			URL:               "https://download.kiwix.org/hotspot/base.img",
			RootPartitionSize: rootSize,
		},
		Items: []content.Item{
			{ID: "wikipedia", URL: "https://download.kiwix.org/zim/wikipedia.zim", Kind: content.KindZim, ExpandedSize: 3000},
			{ID: "wiktionary", URL: "https://download.kiwix.org/zim/wiktionary.zim", Kind: content.KindZim, ExpandedSize: 2000},
			{ID: "unused", URL: "https://download.kiwix.org/zim/unused.zim", Kind: content.KindZim},
		},
	}
	f.installer = NewInstaller(Environment{
		Fs:         fs,
		Registry:   f.registry,
		Logger:     f.logger,
		Catalog:    fakeCatalog{catalog: catalog},
		Downloader: f.fetcher,
		Partitions: f.partitions,
		Tables:     f.tables,
		Machines: func(image string) (Machine, error) {
			f.machine.image = image
			return f.machine, nil
		},
		Provisioner: f.provisioner,
		LookPath: func(binary string) (string, error) {
			if f.missing[binary] {
				return "", errors.New("executable file not found in $PATH")
			}
			return "/usr/bin/" + binary, nil
		},
		Binaries: []string{"qemu-system-aarch64", "aria2c", "parted"},
		WriteMedia: func(_ context.Context, _ afero.Fs, _ string, device string, progress media.ProgressFunc) error {
			progress(50, 100)
			if f.writeErr != nil {
				return &media.WriteMediaError{Device: device, Err: f.writeErr}
			}
			progress(100, 100)
			return nil
		},
		Concurrency: 2,
	})
	return f
}

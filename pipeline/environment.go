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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/configure"
	"github.com/offspot/kiwix-hotspot-sub000/content"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/partition"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/spf13/afero"
)

// DataPartitions formats and mounts the data partition of an image.
type DataPartitions interface {
	FormatDataPartition(ctx context.Context, image string, geometry partition.Geometry) error
	WithDataPartition(ctx context.Context, image string, geometry partition.Geometry, fn func(afero.Fs) error) error
	VerifyMountRoundTrip(ctx context.Context, image string, geometry partition.Geometry) error
}

type PartitionTables interface {
	ReadTable(ctx context.Context, image string) (partition.PrintOutput, error)
	CreateDataPartition(ctx context.Context, image string, geometry partition.Geometry) error
}

// Machine is an emulated board booting the image.
type Machine interface {
	configure.Shell
	Boot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Close() error
}

type MachineFactory func(image string) (Machine, error)

type Provisioner interface {
	Run(ctx context.Context, shell configure.Shell, phase configure.Phase, vars configure.Vars, progress func(done int, total int)) error
}

type WriteMediaFunc func(ctx context.Context, fs afero.Fs, image string, device string, progress media.ProgressFunc) error

// Environment is everything a run talks to. Fields are required unless noted.
type Environment struct {
	Fs          afero.Fs
	Registry    *cancel.Registry
	Logger      report.Logger
	Catalog     content.Provider
	Downloader  media.Fetcher
	Partitions  DataPartitions
	Tables      PartitionTables
	Machines    MachineFactory
	Provisioner Provisioner
	// LookPath and Binaries check host tools before anything starts.
	LookPath func(string) (string, error)
	Binaries []string
	// WriteMedia is only needed when a device is requested.
	WriteMedia WriteMediaFunc
	// ValidateDevice is optional.
	ValidateDevice func(device string) error
	Concurrency    int
	// CleanupTimeout bounds the emulator shutdown that follows every boot.
	// Zero uses utility.DefaultCleanupTimeout.
	CleanupTimeout time.Duration
}

// Params describe one image to build.
type Params struct {
	Name     string
	BuildDir string
	// Size of the image. Zero sizes it to fit the content.
	Size       datasize.ByteSize
	Contents   []string
	LocalFiles []string
	Features   []string
	Branding   configure.Branding
	Vars       configure.Vars
	Device     string
}

func (p Params) BuildingPath() string {
	return filepath.Join(p.BuildDir, p.Name+".BUILDING.img")
}

func (p Params) ImagePath() string {
	return filepath.Join(p.BuildDir, p.Name+".img")
}

func (p Params) ErrorPath() string {
	return filepath.Join(p.BuildDir, p.Name+".ERROR.img")
}

func (p Params) cacheDir() string {
	return filepath.Join(p.BuildDir, "cache")
}

func (p Params) vars() configure.Vars {
	vars := make(configure.Vars, len(p.Vars)+1)
	for key, value := range p.Vars {
		vars[key] = value
	}
	if _, ok := vars["name"]; !ok {
		vars["name"] = p.Name
	}
	return vars
}

// PreflightError lists everything missing before a run could start.
type PreflightError struct {
	Problems []error
}

func (e *PreflightError) Error() string {
	messages := make([]string, 0, len(e.Problems))
	for _, problem := range e.Problems {
		messages = append(messages, problem.Error())
	}
	return fmt.Sprintf("cannot start: %s", strings.Join(messages, "; "))
}

func (e *PreflightError) Unwrap() []error {
	return e.Problems
}

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

package partition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
)

const markerName = ".mount-check"

type MountError struct {
	Op     string
	Image  string
	Device string
	Err    error
}

func (e *MountError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Image, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Image, e.Device, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Mount is a mounted data partition. It is released at most once.
type Mount struct {
	Point  string
	Device string

	image    string
	dir      string
	fs       afero.Fs
	mu       sync.Mutex
	released bool
}

func (m *Mount) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Fs is rooted at the mount point.
func (m *Mount) Fs() afero.Fs {
	return afero.NewBasePathFs(m.fs, m.Point)
}

type Manager struct {
	backend   MountBackend
	fs        afero.Fs
	mountRoot string
	label     string
	// timeout bounds every backend call, release steps included.
	timeout time.Duration
}

func NewManager(backend MountBackend, fs afero.Fs, mountRoot string, label string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = utility.DefaultCleanupTimeout
	}
	return &Manager{
		backend:   backend,
		fs:        fs,
		mountRoot: mountRoot,
		label:     label,
		timeout:   timeout,
	}
}

func (m *Manager) attach(ctx context.Context, image string, geometry Geometry) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.backend.Attach(ctx, image, geometry)
}

func (m *Manager) detach(ctx context.Context, device string) error {
	ctx, cancel := utility.CleanupContext(ctx, m.timeout)
	defer cancel()
	return m.backend.Detach(ctx, device)
}

func (m *Manager) FormatDataPartition(ctx context.Context, image string, geometry Geometry) (err error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "format data partition")
	defer span.End()

	device, attachErr := m.attach(ctx, image, geometry)
	if attachErr != nil {
		return &MountError{Op: "attach", Image: image, Err: attachErr}
	}
	span.SetAttributes(attribute.String("device", device))
	defer func() {
		if detachErr := m.detach(ctx, device); detachErr != nil && err == nil {
			err = &MountError{Op: "detach", Image: image, Device: device, Err: detachErr}
		}
	}()

	formatCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if formatErr := m.backend.Format(formatCtx, device, m.label); formatErr != nil {
		return &MountError{Op: "format", Image: image, Device: device, Err: formatErr}
	}
	logrus.WithFields(logrus.Fields{"device": device, "label": m.label}).Info("formatted data partition")
	return nil
}

func (m *Manager) MountDataPartition(ctx context.Context, image string, geometry Geometry) (*Mount, error) {
	device, attachErr := m.attach(ctx, image, geometry)
	if attachErr != nil {
		return nil, &MountError{Op: "attach", Image: image, Err: attachErr}
	}

	dir := filepath.Join(m.mountRoot, "data-"+uuid.NewString()[:8])
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		m.detachQuietly(ctx, device)
		return nil, &MountError{Op: "mkdir", Image: image, Device: device, Err: err}
	}

	mountCtx, cancel := context.WithTimeout(ctx, m.timeout)
	point, mountErr := m.backend.Mount(mountCtx, device, dir)
	cancel()
	if mountErr != nil {
		m.detachQuietly(ctx, device)
		m.removeQuietly(dir)
		return nil, &MountError{Op: "mount", Image: image, Device: device, Err: mountErr}
	}
	logrus.WithFields(logrus.Fields{"device": device, "point": point}).Debug("mounted data partition")

	return &Mount{Point: point, Device: device, image: image, dir: dir, fs: m.fs}, nil
}

func (m *Manager) detachQuietly(ctx context.Context, device string) {
	if err := m.detach(ctx, device); err != nil {
		logrus.WithError(err).WithField("device", device).Warn("could not detach device")
	}
}

func (m *Manager) removeQuietly(dir string) {
	if err := m.fs.Remove(dir); err != nil {
		logrus.WithError(err).WithField("dir", dir).Debug("could not remove mount point")
	}
}

// UnmountDataPartition releases mount. A second call is a no-op.
func (m *Manager) UnmountDataPartition(ctx context.Context, mount *Mount) error {
	if mount == nil {
		return nil
	}
	mount.mu.Lock()
	defer mount.mu.Unlock()
	if mount.released {
		return nil
	}
	mount.released = true

	unmountCtx, cancel := utility.CleanupContext(ctx, m.timeout)
	defer cancel()
	var errs []error
	if err := m.backend.Unmount(unmountCtx, mount.Device, mount.Point); err != nil {
		errs = append(errs, &MountError{Op: "unmount", Image: mount.image, Device: mount.Device, Err: err})
	}
	if err := m.detach(ctx, mount.Device); err != nil {
		errs = append(errs, &MountError{Op: "detach", Image: mount.image, Device: mount.Device, Err: err})
	}
	if len(errs) == 0 {
		m.removeQuietly(mount.dir)
	}
	return errors.Join(errs...)
}

// WithDataPartition mounts the data partition for the duration of fn. The
// partition is always released and an error from fn takes precedence.
func (m *Manager) WithDataPartition(ctx context.Context, image string, geometry Geometry, fn func(afero.Fs) error) (err error) {
	mount, mountErr := m.MountDataPartition(ctx, image, geometry)
	if mountErr != nil {
		return mountErr
	}
	defer func() {
		if releaseErr := m.UnmountDataPartition(ctx, mount); releaseErr != nil {
			if err == nil {
				err = releaseErr
				return
			}
			logrus.WithError(releaseErr).Warn("could not release data partition")
		}
	}()
	return fn(mount.Fs())
}

// VerifyMountRoundTrip checks that a file written to the data partition
// survives a remount.
func (m *Manager) VerifyMountRoundTrip(ctx context.Context, image string, geometry Geometry) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "verify data partition")
	defer span.End()

	marker := uuid.NewString()
	writeErr := m.WithDataPartition(ctx, image, geometry, func(fs afero.Fs) error {
		return afero.WriteFile(fs, markerName, []byte(marker), 0o644)
	})
	if writeErr != nil {
		return writeErr
	}

	return m.WithDataPartition(ctx, image, geometry, func(fs afero.Fs) error {
		file, openErr := fs.Open(markerName)
		if openErr != nil {
			return &MountError{Op: "verify", Image: image, Err: openErr}
		}
		content, readErr := io.ReadAll(file)
		utility.WrappedClose(file)
		if readErr != nil {
			return &MountError{Op: "verify", Image: image, Err: readErr}
		}
		if string(content) != marker {
			return &MountError{Op: "verify", Image: image, Err: fmt.Errorf("marker mismatch: wrote %q, read %q", marker, string(content))}
		}
		return fs.Remove(markerName)
	})
}

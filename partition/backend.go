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
	"fmt"
)

// Runner executes a host command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// MountBackend binds a byte range of an image to an OS device that can be
// formatted and mounted.
type MountBackend interface {
	Name() string
	Attach(ctx context.Context, image string, geometry Geometry) (string, error)
	Format(ctx context.Context, device string, label string) error
	// Mount returns the directory the filesystem is reachable at, which may
	// differ from dir.
	Mount(ctx context.Context, device string, dir string) (string, error)
	Unmount(ctx context.Context, device string, mountPoint string) error
	Detach(ctx context.Context, device string) error
}

// NewBackend picks the mechanism used on goos.
func NewBackend(goos string, runner Runner, driveLetter string) (MountBackend, error) {
	switch goos {
	case "linux":
		return &LoopBackend{runner: runner}, nil
	case "darwin":
		return &HdiutilBackend{runner: runner}, nil
	case "windows":
		return &ImdiskBackend{runner: runner, drive: driveLetter}, nil
	default:
		return nil, fmt.Errorf("mounting data partitions is not supported on %s", goos)
	}
}

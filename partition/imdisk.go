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
	"strconv"
	"strings"
)

// ImdiskBackend exposes the byte range as a drive letter on windows. The
// drive letter is both device and mount point.
type ImdiskBackend struct {
	runner Runner
	drive  string
}

func (i *ImdiskBackend) Name() string {
	return "imdisk"
}

func (i *ImdiskBackend) Attach(ctx context.Context, image string, geometry Geometry) (string, error) {
	_, err := i.runner.Run(ctx, "imdisk", "-a", "-t", "file",
		"-f", image,
		"-b", strconv.FormatInt(geometry.Offset, 10),
		"-s", strconv.FormatInt(geometry.Length, 10),
		"-m", i.drive,
		"-o", "rw,hd")
	if err != nil {
		return "", err
	}
	return i.drive, nil
}

func (i *ImdiskBackend) Format(ctx context.Context, device string, label string) error {
	_, err := i.runner.Run(ctx, "format", device, "/FS:exFAT", "/Q", "/Y", "/V:"+label)
	return err
}

func (i *ImdiskBackend) Mount(_ context.Context, device string, _ string) (string, error) {
	return strings.TrimSuffix(device, `\`) + `\`, nil
}

func (i *ImdiskBackend) Unmount(context.Context, string, string) error {
	return nil
}

func (i *ImdiskBackend) Detach(ctx context.Context, device string) error {
	_, err := i.runner.Run(ctx, "imdisk", "-D", "-m", device)
	return err
}

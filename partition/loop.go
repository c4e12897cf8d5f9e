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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type DeviceOutput struct {
	Loopdevices []Entry `json:"loopdevices"`
}

// ByBackFile groups loop devices by the file backing them. One image may back
// several devices, one per attached partition.
func (o DeviceOutput) ByBackFile() map[string][]Entry {
	devices := make(map[string][]Entry)
	for _, entry := range o.Loopdevices {
		devices[entry.BackFile] = append(devices[entry.BackFile], entry)
	}
	return devices
}

type Entry struct {
	Name      string `json:"name"`
	Sizelimit int64  `json:"sizelimit"`
	Offset    int64  `json:"offset"`
	Autoclear bool   `json:"autoclear"`
	Ro        bool   `json:"ro"`
	BackFile  string `json:"back-file"`
	Dio       bool   `json:"dio"`
	LogSec    int    `json:"log-sec"`
}

// LoopBackend uses loop devices on linux.
type LoopBackend struct {
	runner Runner
}

func (l *LoopBackend) Name() string {
	return "losetup"
}

func (l *LoopBackend) listLoopDevices(ctx context.Context) (DeviceOutput, error) {
	output, listErr := l.runner.Run(ctx, "losetup", "--list", "--json")
	if listErr != nil {
		return DeviceOutput{}, listErr
	}
	parsedOutput := DeviceOutput{}
	if len(strings.TrimSpace(string(output))) == 0 {
		return parsedOutput, nil
	}
	if err := json.Unmarshal(output, &parsedOutput); err != nil {
		return DeviceOutput{}, err
	}
	return parsedOutput, nil
}

func (l *LoopBackend) Attach(ctx context.Context, image string, geometry Geometry) (string, error) {
	path, pathErr := filepath.Abs(image)
	if pathErr != nil {
		return "", pathErr
	}

	devices, listErr := l.listLoopDevices(ctx)
	if listErr != nil {
		return "", listErr
	}
	for _, stale := range devices.ByBackFile()[path] {
		logrus.WithField("device", stale.Name).Warn("detaching stale loop device")
		if err := l.Detach(ctx, stale.Name); err != nil {
			return "", fmt.Errorf("stale loop device %s: %w", stale.Name, err)
		}
	}

	output, attachErr := l.runner.Run(ctx, "losetup", "--find", "--show",
		"--offset", strconv.FormatInt(geometry.Offset, 10),
		"--sizelimit", strconv.FormatInt(geometry.Length, 10),
		path)
	if attachErr != nil {
		return "", attachErr
	}
	device := strings.TrimSpace(string(output))
	if !strings.HasPrefix(device, "/dev/") {
		return "", fmt.Errorf("unexpected losetup output %q", device)
	}
	return device, nil
}

func (l *LoopBackend) Format(ctx context.Context, device string, label string) error {
	_, err := l.runner.Run(ctx, "mkfs.exfat", "-L", label, device)
	return err
}

func (l *LoopBackend) Mount(ctx context.Context, device string, dir string) (string, error) {
	options := fmt.Sprintf("uid=%d,gid=%d", os.Getuid(), os.Getgid())
	if _, err := l.runner.Run(ctx, "mount", "-t", "exfat", "-o", options, device, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (l *LoopBackend) Unmount(ctx context.Context, _ string, mountPoint string) error {
	_, err := l.runner.Run(ctx, "umount", mountPoint)
	return err
}

func (l *LoopBackend) Detach(ctx context.Context, device string) error {
	_, err := l.runner.Run(ctx, "losetup", "--detach", device)
	return err
}

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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// HdiutilBackend attaches a section of the image as a disk on macOS.
type HdiutilBackend struct {
	runner Runner
}

func (h *HdiutilBackend) Name() string {
	return "hdiutil"
}

func (h *HdiutilBackend) Attach(ctx context.Context, image string, geometry Geometry) (string, error) {
	output, attachErr := h.runner.Run(ctx, "hdiutil", "attach",
		"-imagekey", "diskimage-class=CRawDiskImage",
		"-nomount",
		"-section", fmt.Sprintf("%d,%d", geometry.StartSector(), geometry.Sectors()),
		image)
	if attachErr != nil {
		return "", attachErr
	}
	return parseHdiutilDevice(output)
}

func parseHdiutilDevice(output []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && strings.HasPrefix(fields[0], "/dev/disk") {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no device in hdiutil output %q", string(output))
}

func (h *HdiutilBackend) Format(ctx context.Context, device string, label string) error {
	_, err := h.runner.Run(ctx, "newfs_exfat", "-v", label, device)
	return err
}

func (h *HdiutilBackend) Mount(ctx context.Context, device string, dir string) (string, error) {
	if _, err := h.runner.Run(ctx, "mount", "-t", "exfat", device, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (h *HdiutilBackend) Unmount(ctx context.Context, _ string, mountPoint string) error {
	_, err := h.runner.Run(ctx, "umount", mountPoint)
	return err
}

func (h *HdiutilBackend) Detach(ctx context.Context, device string) error {
	_, err := h.runner.Run(ctx, "hdiutil", "detach", device)
	return err
}

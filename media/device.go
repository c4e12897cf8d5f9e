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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/spf13/afero"
)

const writeBlockSize = 4 << 20

// WriteMediaError is a failed copy to removable media. The image itself is
// unaffected.
type WriteMediaError struct {
	Device string
	Err    error
}

func (e *WriteMediaError) Error() string {
	return fmt.Sprintf("writing image to %s: %v", e.Device, e.Err)
}

func (e *WriteMediaError) Unwrap() error {
	return e.Err
}

// Hint is shown to the user next to the error.
func (e *WriteMediaError) Hint() string {
	return "the image was built successfully, write it to the card manually with a tool like dd or Etcher"
}

// ValidateDevice rejects paths that are not devices or that are mounted.
func ValidateDevice(fileSystem afero.Fs, device string, mountTable string) error {
	if device == "" || (!strings.HasPrefix(device, "/dev/") && !strings.HasPrefix(device, `\\.\`)) {
		return fmt.Errorf("%q is not a valid block device", device)
	}
	if exists, err := afero.Exists(fileSystem, device); err != nil || !exists {
		return fmt.Errorf("device %s not found", device)
	}
	if mountTable == "" {
		return nil
	}
	table, openErr := fileSystem.Open(mountTable)
	if openErr != nil {
		return nil
	}
	defer utility.WrappedClose(table)

	scanner := bufio.NewScanner(table)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && strings.HasPrefix(fields[0], device) {
			return fmt.Errorf("device %s is mounted on %s", device, fields[1])
		}
	}
	return scanner.Err()
}

// WriteImage copies image onto device block by block. It stops between blocks
// once ctx is done.
func WriteImage(ctx context.Context, fileSystem afero.Fs, image string, device string, progress ProgressFunc) error {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("writing media: %s", device))
	defer span.End()

	if err := writeImage(ctx, fileSystem, image, device, progress); err != nil {
		return &WriteMediaError{Device: device, Err: err}
	}
	return nil
}

func writeImage(ctx context.Context, fileSystem afero.Fs, image string, device string, progress ProgressFunc) error {
	input, openErr := fileSystem.Open(image)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(input)

	info, statErr := input.Stat()
	if statErr != nil {
		return statErr
	}

	output, outputErr := fileSystem.OpenFile(device, os.O_WRONLY, 0)
	if outputErr != nil {
		return outputErr
	}
	defer utility.WrappedClose(output)

	writer := newProgressWriter(output, 0, info.Size(), progress)
	buffer := make([]byte, writeBlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		read, readErr := io.ReadFull(input, buffer)
		if read > 0 {
			if _, err := writer.Write(buffer[:read]); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	writer.flush()
	return output.Sync()
}

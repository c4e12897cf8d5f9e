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
	"strconv"
	"strings"
)

type PrintOutput struct {
	Disk struct {
		Label              string `json:"label"`
		LogicalSectorSize  int    `json:"logical-sector-size"`
		MaxPartitions      int    `json:"max-partitions"`
		Model              string `json:"model"`
		Partitions         []PartitionEntry
		Path               string `json:"path"`
		PhysicalSectorSize int    `json:"physical-sector-size"`
		Size               string `json:"size"`
		Transport          string `json:"transport"`
	} `json:"disk"`
}

type PartitionEntry struct {
	End        string   `json:"end"`
	Filesystem string   `json:"filesystem"`
	Flags      []string `json:"flags"`
	Number     int      `json:"number"`
	Size       string   `json:"size"`
	Start      string   `json:"start"`
	Type       string   `json:"type"`
}

// StartByte parses the start offset when the table was printed in bytes.
func (p PartitionEntry) StartByte() (int64, error) {
	return parseBytes(p.Start)
}

func (p PartitionEntry) EndByte() (int64, error) {
	return parseBytes(p.End)
}

func parseBytes(value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSuffix(value, "B"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("partition boundary %q: %w", value, err)
	}
	return parsed, nil
}

func partedArgs(device string, options ...string) []string {
	return append([]string{"parted", "-s", device}, options...)
}

func parted(ctx context.Context, runner Runner, device string, options ...string) ([]byte, error) {
	args := partedArgs(device, options...)
	return runner.Run(ctx, args[0], args[1:]...)
}

// ReadTable returns the partition table of an image with boundaries in bytes.
func ReadTable(ctx context.Context, runner Runner, image string) (PrintOutput, error) {
	jsonBlob, partedErr := parted(ctx, runner, image, "-j", "unit", "B", "print")
	if partedErr != nil {
		return PrintOutput{}, partedErr
	}
	parsedOutput := PrintOutput{}
	if err := json.Unmarshal(jsonBlob, &parsedOutput); err != nil {
		return PrintOutput{}, err
	}

	return parsedOutput, nil
}

// RootEnd is the first byte after the last existing partition.
func RootEnd(table PrintOutput) (int64, error) {
	var end int64
	for _, entry := range table.Disk.Partitions {
		entryEnd, err := entry.EndByte()
		if err != nil {
			return 0, err
		}
		if entryEnd+1 > end {
			end = entryEnd + 1
		}
	}
	if end == 0 {
		return 0, fmt.Errorf("device: %s has an empty partition table", table.Disk.Path)
	}
	return end, nil
}

// LastPartition is the geometry of the entry starting furthest into the image.
func LastPartition(table PrintOutput) (Geometry, error) {
	var last Geometry
	found := false
	for _, entry := range table.Disk.Partitions {
		start, startErr := entry.StartByte()
		if startErr != nil {
			return Geometry{}, startErr
		}
		end, endErr := entry.EndByte()
		if endErr != nil {
			return Geometry{}, endErr
		}
		if !found || start > last.Offset {
			last = Geometry{Offset: start, Length: end - start + 1}
			found = true
		}
	}
	if !found {
		return Geometry{}, fmt.Errorf("device: %s has an empty partition table", table.Disk.Path)
	}
	return last, nil
}

// CreateDataPartition adds the table entry for geometry so the guest finds the
// data partition. An entry already starting at the same offset is kept.
func CreateDataPartition(ctx context.Context, runner Runner, image string, geometry Geometry) error {
	currentTable, tableErr := ReadTable(ctx, runner, image)
	if tableErr != nil {
		return tableErr
	}

	for _, entry := range currentTable.Disk.Partitions {
		start, err := entry.StartByte()
		if err != nil {
			return err
		}
		if start == geometry.Offset {
			return nil
		}
	}

	_, err := parted(ctx, runner, image, "mkpart", "primary",
		fmt.Sprintf("%ds", geometry.StartSector()),
		fmt.Sprintf("%ds", geometry.EndSector()))
	return err
}

// TableEditor reads and edits image partition tables on the host.
type TableEditor struct {
	Runner Runner
}

func (t TableEditor) ReadTable(ctx context.Context, image string) (PrintOutput, error) {
	return ReadTable(ctx, t.Runner, image)
}

func (t TableEditor) CreateDataPartition(ctx context.Context, image string, geometry Geometry) error {
	return CreateDataPartition(ctx, t.Runner, image, geometry)
}

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
	"fmt"

	"github.com/c2h5oh/datasize"
)

const (
	SectorSize       = 512
	AlignmentSectors = 128
)

// Margin is left unused at the end of the image.
const Margin = 4 * datasize.MB

// Geometry is the byte range of the data partition inside the image.
type Geometry struct {
	Offset int64
	Length int64
}

func (g Geometry) StartSector() int64 {
	return g.Offset / SectorSize
}

func (g Geometry) Sectors() int64 {
	return g.Length / SectorSize
}

func (g Geometry) EndSector() int64 {
	return g.StartSector() + g.Sectors() - 1
}

func (g Geometry) String() string {
	return fmt.Sprintf("offset %d (%s) length %d (%s)", g.Offset,
		datasize.ByteSize(g.Offset).HumanReadable(), g.Length, datasize.ByteSize(g.Length).HumanReadable())
}

// DataStart is the first 128 sector boundary at or after the end of the root
// region. exFAT drivers corrupt data on partitions misaligned with it.
func DataStart(rootSize int64) int64 {
	firstFree := (rootSize + SectorSize - 1) / SectorSize
	aligned := (firstFree + AlignmentSectors - 1) / AlignmentSectors * AlignmentSectors
	return aligned * SectorSize
}

func DataPartition(rootSize int64, totalSize int64) (Geometry, error) {
	margin := int64(Margin.Bytes())
	if rootSize <= 0 || totalSize <= rootSize+margin {
		return Geometry{}, fmt.Errorf("image of %d bytes has no room for a data partition after %d bytes of root", totalSize, rootSize)
	}
	return Geometry{
		Offset: DataStart(rootSize),
		Length: totalSize - rootSize - margin,
	}, nil
}

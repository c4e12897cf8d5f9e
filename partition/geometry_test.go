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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataPartition(t *testing.T) {
	geometry, err := DataPartition(7e9, 8e9)
	require.NoError(t, err)
	assert.Equal(t, int64(7000031232), geometry.Offset)
	assert.Equal(t, int64(995805696), geometry.Length)
	assert.Equal(t, int64(13671936), geometry.StartSector())
}

func TestDataPartitionAlignment(t *testing.T) {
	cases := []struct {
		root     int64
		expected int64
	}{
		{root: 1, expected: 65536},
		{root: 512, expected: 65536},
		{root: 65536, expected: 65536},
		{root: 65537, expected: 131072},
		{root: 1 << 30, expected: 1 << 30},
	}
	for _, tt := range cases {
		geometry, err := DataPartition(tt.root, tt.root+(64<<20))
		require.NoError(t, err)
		assert.Equal(t, tt.expected, geometry.Offset, "root %d", tt.root)
		assert.Zero(t, geometry.StartSector()%AlignmentSectors)
		assert.GreaterOrEqual(t, geometry.Offset, tt.root)
		assert.Equal(t, tt.root+(64<<20)-tt.root-int64(Margin.Bytes()), geometry.Length)
	}
}

func TestDataPartitionTooSmall(t *testing.T) {
	_, err := DataPartition(7e9, 7e9+int64(Margin.Bytes()))
	assert.Error(t, err)

	_, err = DataPartition(0, 8e9)
	assert.Error(t, err)
}

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

// Package content describes what ends up on the data partition.
package content

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

type Kind string

const (
	KindZim     Kind = "zim"
	KindPackage Kind = "package"
	KindArchive Kind = "archive"
)

// Item is one downloadable piece of content.
type Item struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Checksum     string `json:"checksum"`
	ArchiveSize  int64  `json:"archive_size"`
	ExpandedSize int64  `json:"expanded_size"`
	Kind         Kind   `json:"kind"`
	// Destination is a directory relative to the data partition root.
	Destination string `json:"destination"`
}

// FileName is the name the item is downloaded under.
func (i Item) FileName() string {
	if i.Name != "" {
		return i.Name
	}
	return path.Base(strings.TrimSuffix(strings.TrimSuffix(i.URL, ".meta4"), ".metalink"))
}

func (i Item) TargetDir() string {
	if i.Destination != "" {
		return i.Destination
	}
	switch i.Kind {
	case KindZim:
		return "zims"
	case KindPackage:
		return "packages"
	default:
		return "content"
	}
}

type BaseImage struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	Checksum          string `json:"checksum"`
	RootPartitionSize int64  `json:"root_partition_size"`
	ArchiveSize       int64  `json:"archive_size"`
	ExpandedSize      int64  `json:"expanded_size"`
}

func (b BaseImage) FileName() string {
	if b.Name != "" {
		return b.Name
	}
	return path.Base(b.URL)
}

type Catalog struct {
	BaseImage BaseImage `json:"base_image"`
	Items     []Item    `json:"items"`
}

// Select resolves ids to items, keeping the catalog order.
func (c Catalog) Select(ids []string) ([]Item, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	selected := make([]Item, 0, len(ids))
	for _, item := range c.Items {
		if wanted[item.ID] {
			selected = append(selected, item)
			delete(wanted, item.ID)
		}
	}
	if len(wanted) != 0 {
		missing := make([]string, 0, len(wanted))
		for id := range wanted {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown content: %s", strings.Join(missing, ", "))
	}
	return selected, nil
}

// Sizes sums archive and expanded sizes of items.
func Sizes(items []Item) (archive int64, expanded int64) {
	for _, item := range items {
		archive += item.ArchiveSize
		expanded += item.ExpandedSize
	}
	return archive, expanded
}

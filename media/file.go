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
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/zstd"
	"github.com/offspot/kiwix-hotspot-sub000/partition"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// Decompressor wraps reader according to the compression suffix of name. The
// returned name has that suffix removed.
func Decompressor(name string, reader io.Reader) (io.ReadCloser, string, error) {
	lowered := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lowered, ".xz"):
		decompress, err := xz.NewReader(reader)
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(decompress), name[:len(name)-len(".xz")], nil
	case strings.HasSuffix(lowered, ".zst"), strings.HasSuffix(lowered, ".zstd"):
		decompress, err := zstd.NewReader(reader)
		if err != nil {
			return nil, "", err
		}
		return decompress.IOReadCloser(), strings.TrimSuffix(strings.TrimSuffix(name, ".zst"), ".zstd"), nil
	case strings.HasSuffix(lowered, ".tgz"):
		decompress, err := gzip.NewReader(reader)
		if err != nil {
			return nil, "", err
		}
		return decompress, name[:len(name)-len(".tgz")] + ".tar", nil
	case strings.HasSuffix(lowered, ".gz"):
		decompress, err := gzip.NewReader(reader)
		if err != nil {
			return nil, "", err
		}
		return decompress, name[:len(name)-len(".gz")], nil
	default:
		return io.NopCloser(reader), name, nil
	}
}

// ExtractImage decompresses archive into destination. An existing destination
// is kept as is.
func ExtractImage(ctx context.Context, fileSystem afero.Fs, archive string, destination string) error {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("extracting image: %s", filepath.Base(archive)))
	defer span.End()

	alreadyExtracted, existsErr := afero.Exists(fileSystem, destination)
	if existsErr != nil {
		return existsErr
	}
	if alreadyExtracted {
		return nil
	}

	image, openErr := fileSystem.Open(archive)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(image)

	decompress, _, decompressErr := Decompressor(archive, utility.NewContextReader(ctx, image))
	if decompressErr != nil {
		return fmt.Errorf("could not decompress image: %w", decompressErr)
	}
	defer utility.WrappedClose(decompress)

	partial := destination + ".part"
	output, outputErr := fileSystem.Create(partial)
	if outputErr != nil {
		return outputErr
	}
	if _, err := io.Copy(output, decompress); err != nil {
		utility.WrappedClose(output)
		_ = fileSystem.Remove(partial)
		return fmt.Errorf("error during image decompression: %w", err)
	}
	if err := output.Close(); err != nil {
		return err
	}
	return fileSystem.Rename(partial, destination)
}

// ResizeImage grows the image file to size. Images are never shrunk below
// their current content.
func ResizeImage(fileSystem afero.Fs, path string, size datasize.ByteSize) error {
	info, statErr := fileSystem.Stat(path)
	if statErr != nil {
		return statErr
	}

	target := int64(size.Bytes())
	if info.Size() > target {
		return fmt.Errorf("image %s is %s, larger than requested %s", path,
			datasize.ByteSize(info.Size()).HumanReadable(), size.HumanReadable())
	}

	file, openErr := fileSystem.OpenFile(path, os.O_WRONLY, info.Mode())
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)
	return file.Truncate(target)
}

func ImageSize(fileSystem afero.Fs, path string) (int64, error) {
	info, statErr := fileSystem.Stat(path)
	if errors.Is(statErr, fs.ErrNotExist) {
		return 0, fmt.Errorf("image %s: %w", path, statErr)
	}
	if statErr != nil {
		return 0, statErr
	}
	return info.Size(), nil
}

// MinimumImageSize fits the root region, content and a tenth of slack.
func MinimumImageSize(rootSize int64, contentSize int64) datasize.ByteSize {
	start := partition.DataStart(rootSize)
	size := start + contentSize + contentSize/10 + int64(partition.Margin.Bytes())
	mebibyte := int64(datasize.MB.Bytes())
	if remainder := size % mebibyte; remainder != 0 {
		size += mebibyte - remainder
	}
	return datasize.ByteSize(size)
}

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

package configure

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/offspot/kiwix-hotspot-sub000/content"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Branding holds local paths of the files customizing the portal. Empty
// fields keep the defaults.
type Branding struct {
	Logo    string
	Favicon string
	CSS     string
}

func (b Branding) files() map[string]string {
	files := make(map[string]string)
	if b.Logo != "" {
		files["logo.png"] = b.Logo
	}
	if b.Favicon != "" {
		files["favicon.png"] = b.Favicon
	}
	if b.CSS != "" {
		files["style.css"] = b.CSS
	}
	return files
}

// Paths lists the configured source files.
func (b Branding) Paths() []string {
	var paths []string
	for _, source := range []string{b.Logo, b.Favicon, b.CSS} {
		if source != "" {
			paths = append(paths, source)
		}
	}
	return paths
}

// IsArchive reports whether name is a tarball, compressed or not.
func IsArchive(name string) bool {
	lowered := strings.ToLower(name)
	for _, suffix := range []string{".tar", ".tar.gz", ".tgz", ".tar.xz", ".tar.zst", ".tar.zstd"} {
		if strings.HasSuffix(lowered, suffix) {
			return true
		}
	}
	return false
}

// ExtractArchive unpacks the tarball read from reader into fs. The
// compression layer is picked from name. Extraction stops once ctx is done.
func ExtractArchive(ctx context.Context, fs afero.Fs, name string, reader io.Reader) error {
	uncompressedStream, _, decompressErr := media.Decompressor(name, utility.NewContextReader(ctx, reader))
	if decompressErr != nil {
		return decompressErr
	}
	defer utility.WrappedClose(uncompressedStream)
	tarReader := tar.NewReader(uncompressedStream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, headerErr := tarReader.Next()
		if headerErr == io.EOF {
			break
		}
		if headerErr != nil {
			return headerErr
		}
		target, targetErr := entryPath(header.Name)
		if targetErr != nil {
			return targetErr
		}
		if header.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if header.Typeflag != tar.TypeReg {
			logrus.WithField("entry", header.Name).Debug("skipping non regular archive entry")
			continue
		}
		if err := fs.MkdirAll(path.Dir(target), 0o755); err != nil {
			return err
		}
		file, fileErr := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, header.FileInfo().Mode())
		if fileErr != nil {
			return fileErr
		}
		_, copyErr := io.Copy(file, tarReader) //nolint:gosec
		utility.WrappedClose(file)
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// entryPath keeps archive entries inside the extraction root.
func entryPath(name string) (string, error) {
	cleaned := path.Clean(filepath.ToSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return cleaned, nil
}

// IdempotentWrite leaves path untouched when it already holds the content of
// reader.
func IdempotentWrite(fs afero.Fs, reader io.Reader, path string, mode os.FileMode) error {

	incomingData, readErr := io.ReadAll(reader)
	if readErr != nil {
		return readErr
	}

	currentData, currentErr := afero.ReadFile(fs, path)
	if currentErr != nil && !errors.Is(currentErr, os.ErrNotExist) {
		return currentErr
	}

	if currentErr == nil && bytes.Equal(incomingData, currentData) {
		return nil
	}

	return afero.WriteFile(fs, path, incomingData, mode)
}

// WriteBranding copies the branding files from source into the branding
// directory of dest.
func WriteBranding(dest afero.Fs, source afero.Fs, branding Branding) error {
	files := branding.files()
	if len(files) == 0 {
		return nil
	}
	if err := dest.MkdirAll(brandingDir, 0o755); err != nil {
		return err
	}
	for name, sourcePath := range files {
		file, openErr := source.Open(sourcePath)
		if openErr != nil {
			return fmt.Errorf("branding %s: %w", name, openErr)
		}
		writeErr := IdempotentWrite(dest, file, path.Join(brandingDir, name), 0o644)
		utility.WrappedClose(file)
		if writeErr != nil {
			return fmt.Errorf("branding %s: %w", name, writeErr)
		}
	}
	return nil
}

// CopyItem materializes a downloaded item on the data partition: tarballs are
// extracted into the item directory and anything else is copied there.
func CopyItem(ctx context.Context, dest afero.Fs, source afero.Fs, sourcePath string, item content.Item) error {
	_, span := telemetry.GetTracer().Start(ctx, "copy "+item.ID)
	defer span.End()

	targetDir := item.TargetDir()
	if err := dest.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	file, openErr := source.Open(sourcePath)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	if IsArchive(sourcePath) {
		logrus.WithFields(logrus.Fields{"item": item.ID, "dir": targetDir}).Debug("extracting item")
		if err := ExtractArchive(ctx, afero.NewBasePathFs(dest, targetDir), sourcePath, file); err != nil {
			return fmt.Errorf("extracting %s: %w", item.ID, err)
		}
		return nil
	}

	target := path.Join(targetDir, path.Base(filepath.ToSlash(sourcePath)))
	partial := target + ".part"
	output, createErr := dest.Create(partial)
	if createErr != nil {
		return createErr
	}
	if _, err := io.Copy(output, utility.NewContextReader(ctx, file)); err != nil {
		utility.WrappedClose(output)
		_ = dest.Remove(partial)
		return fmt.Errorf("copying %s: %w", item.ID, err)
	}
	if err := output.Close(); err != nil {
		return err
	}
	return dest.Rename(partial, target)
}


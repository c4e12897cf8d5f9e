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

package vm

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/spf13/afero"
)

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func stagingPath() string {
	return "/tmp/" + uuid.NewString()
}

// PutFile writes content to dest in the guest. The file is staged by the
// unprivileged user then moved into place as root.
func (c *Controller) PutFile(ctx context.Context, content io.Reader, dest string, mode os.FileMode) error {
	staging := stagingPath()
	if _, err := c.Exec(ctx, "cat > "+shellQuote(staging), WithStdin(content)); err != nil {
		return fmt.Errorf("staging %s: %w", dest, err)
	}
	install := fmt.Sprintf("sudo mkdir -p %s && sudo mv %s %s && sudo chmod %o %s",
		shellQuote(path.Dir(dest)), shellQuote(staging), shellQuote(dest), mode.Perm(), shellQuote(dest))
	if _, err := c.Exec(ctx, install); err != nil {
		return fmt.Errorf("installing %s: %w", dest, err)
	}
	return nil
}

// PutDir replaces dest in the guest with a copy of localDir.
func (c *Controller) PutDir(ctx context.Context, fs afero.Fs, localDir string, dest string) error {
	staging := stagingPath()
	reader, writer := io.Pipe()
	go func() {
		_ = writer.CloseWithError(writeTar(fs, localDir, writer))
	}()

	unpack := fmt.Sprintf("mkdir -p %s && tar -x -C %s", shellQuote(staging), shellQuote(staging))
	_, unpackErr := c.Exec(ctx, unpack, WithStdin(reader))
	_ = reader.Close()
	if unpackErr != nil {
		return fmt.Errorf("staging %s: %w", dest, unpackErr)
	}

	install := fmt.Sprintf("sudo mkdir -p %s && sudo rm -rf %s && sudo mv %s %s",
		shellQuote(path.Dir(dest)), shellQuote(dest), shellQuote(staging), shellQuote(dest))
	if _, err := c.Exec(ctx, install); err != nil {
		return fmt.Errorf("installing %s: %w", dest, err)
	}
	return nil
}

func writeTar(fs afero.Fs, root string, writer io.Writer) error {
	archive := tar.NewWriter(writer)
	walkErr := afero.Walk(fs, root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relative, relErr := filepath.Rel(root, name)
		if relErr != nil {
			return relErr
		}
		if relative == "." {
			return nil
		}
		header, headerErr := tar.FileInfoHeader(info, "")
		if headerErr != nil {
			return headerErr
		}
		header.Name = filepath.ToSlash(relative)
		if err := archive.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		file, openErr := fs.Open(name)
		if openErr != nil {
			return openErr
		}
		defer utility.WrappedClose(file)
		_, copyErr := io.Copy(archive, file)
		return copyErr
	})
	if walkErr != nil {
		return walkErr
	}
	return archive.Close()
}

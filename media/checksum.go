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
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/spf13/afero"
)

type Checksum struct {
	Algorithm string
	Digest    string
}

// ParseChecksum accepts "algo:hex", a bare hex digest or an md5sum style line.
func ParseChecksum(value string) (Checksum, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Checksum{}, nil
	}
	if algorithm, digest, found := strings.Cut(value, ":"); found {
		checksum := Checksum{Algorithm: strings.ReplaceAll(strings.ToLower(algorithm), "-", ""), Digest: strings.ToLower(digest)}
		if _, err := checksum.newHash(); err != nil {
			return Checksum{}, err
		}
		return checksum, nil
	}

	digest, extractErr := extractChecksum(value)
	if extractErr != nil {
		return Checksum{}, extractErr
	}
	switch len(digest) {
	case md5.Size * 2:
		return Checksum{Algorithm: "md5", Digest: digest}, nil
	case sha1.Size * 2:
		return Checksum{Algorithm: "sha1", Digest: digest}, nil
	case sha256.Size * 2:
		return Checksum{Algorithm: "sha256", Digest: digest}, nil
	case sha512.Size * 2:
		return Checksum{Algorithm: "sha512", Digest: digest}, nil
	default:
		return Checksum{}, fmt.Errorf("cannot infer algorithm of checksum %q", value)
	}
}

func extractChecksum(line string) (string, error) {
	split := strings.Fields(line)
	if len(split) == 0 || len(split) > 2 {
		return "", fmt.Errorf("length mismatch check file format: %q", line)
	}
	if _, err := hex.DecodeString(split[0]); err != nil {
		return "", fmt.Errorf("checksum is not hexadecimal: %w", err)
	}
	return strings.ToLower(split[0]), nil
}

func (c Checksum) Empty() bool {
	return c.Digest == ""
}

func (c Checksum) newHash() (hash.Hash, error) {
	switch c.Algorithm {
	case "md5":
		return md5.New(), nil //nolint:gosec
	case "sha1":
		return sha1.New(), nil //nolint:gosec
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", c.Algorithm)
	}
}

// Aria2 renders the checksum for aria2c --checksum.
func (c Checksum) Aria2() string {
	algorithm := c.Algorithm
	if strings.HasPrefix(algorithm, "sha") {
		algorithm = "sha-" + strings.TrimPrefix(algorithm, "sha")
	}
	return fmt.Sprintf("%s=%s", algorithm, c.Digest)
}

func (c Checksum) Matches(reader io.Reader) (bool, error) {
	if c.Empty() {
		return true, nil
	}
	digest, hashErr := c.newHash()
	if hashErr != nil {
		return false, hashErr
	}
	if _, err := io.Copy(digest, reader); err != nil {
		return false, err
	}
	return hex.EncodeToString(digest.Sum(nil)) == c.Digest, nil
}

func (c Checksum) MatchesFile(fs afero.Fs, path string) (bool, error) {
	file, openErr := fs.Open(path)
	if openErr != nil {
		return false, openErr
	}
	defer utility.WrappedClose(file)
	return c.Matches(file)
}

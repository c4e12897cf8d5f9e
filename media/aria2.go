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
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/sirupsen/logrus"
)

var aria2Progress = regexp.MustCompile(`\[#[0-9a-fA-F]+ (\d+)B?/(\d+)B?`)

const diagnosticLines = 20

// Aria2 drives an external aria2c process.
type Aria2 struct {
	Binary          string
	ConnectTimeout  time.Duration
	MaxTries        int
	RetryWait       time.Duration
	SummaryInterval time.Duration
	Registry        *cancel.Registry
}

func isMetalink(source string) bool {
	lowered := strings.ToLower(source)
	return strings.HasSuffix(lowered, ".meta4") || strings.HasSuffix(lowered, ".metalink")
}

// stagingDir receives metalink payloads, whose file name aria2 takes from the
// metalink document.
func stagingDir(destination string) string {
	return filepath.Join(filepath.Dir(destination), fmt.Sprintf(".%s.metalink", filepath.Base(destination)))
}

func (a Aria2) Args(request Request) ([]string, error) {
	args := []string{
		fmt.Sprintf("--connect-timeout=%d", int(a.ConnectTimeout.Seconds())),
		fmt.Sprintf("--max-tries=%d", a.MaxTries),
		fmt.Sprintf("--retry-wait=%d", int(a.RetryWait.Seconds())),
		"--continue=true",
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		fmt.Sprintf("--summary-interval=%d", max(1, int(a.SummaryInterval.Seconds()))),
		"--human-readable=false",
		"--console-log-level=warn",
	}

	if isMetalink(request.Source) {
		args = append(args,
			"--follow-metalink=mem",
			fmt.Sprintf("--dir=%s", stagingDir(request.Destination)),
		)
	} else {
		args = append(args,
			fmt.Sprintf("--dir=%s", filepath.Dir(request.Destination)),
			fmt.Sprintf("--out=%s", filepath.Base(request.Destination)),
		)
		checksum, checksumErr := ParseChecksum(request.Checksum)
		if checksumErr != nil {
			return nil, checksumErr
		}
		if !checksum.Empty() {
			args = append(args, fmt.Sprintf("--checksum=%s", checksum.Aria2()), "--check-integrity=true")
		}
	}

	return append(args, request.Source), nil
}

func parseAria2Progress(line string) (int64, int64, bool) {
	match := aria2Progress.FindStringSubmatch(line)
	if match == nil {
		return 0, 0, false
	}
	done, doneErr := strconv.ParseInt(match[1], 10, 64)
	total, totalErr := strconv.ParseInt(match[2], 10, 64)
	if doneErr != nil || totalErr != nil {
		return 0, 0, false
	}
	return done, total, true
}

func (a Aria2) Fetch(ctx context.Context, request Request, progress ProgressFunc) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "aria2c")
	defer span.End()

	args, argsErr := a.Args(request)
	if argsErr != nil {
		return "", argsErr
	}

	command := exec.CommandContext(ctx, a.Binary, args...) //nolint:gosec
	output, pipeErr := command.StdoutPipe()
	if pipeErr != nil {
		return "", pipeErr
	}
	command.Stderr = command.Stdout

	if err := command.Start(); err != nil {
		return "", err
	}
	if a.Registry != nil {
		if err := a.Registry.Register(command.Process.Pid); err != nil {
			_ = command.Wait()
			return "", err
		}
		defer a.Registry.Unregister(command.Process.Pid)
	}

	tail := make([]string, 0, diagnosticLines)
	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		line := scanner.Text()
		if done, total, ok := parseAria2Progress(line); ok {
			progress(done, total)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(tail) == diagnosticLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}

	if err := command.Wait(); err != nil {
		logrus.WithField("source", request.Source).WithError(err).Warn("aria2c failed")
		return "", fmt.Errorf("aria2c: %w: %s", err, strings.Join(tail, "\n"))
	}

	if isMetalink(request.Source) {
		return singlePayload(stagingDir(request.Destination))
	}
	return request.Destination, nil
}

func singlePayload(dir string) (string, error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return "", readErr
	}
	var payloads []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".aria2") {
			continue
		}
		payloads = append(payloads, filepath.Join(dir, entry.Name()))
	}
	if len(payloads) != 1 {
		return "", fmt.Errorf("metalink produced %d files in %s: %w", len(payloads), dir, fs.ErrInvalid)
	}
	return payloads[0], nil
}


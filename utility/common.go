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

package utility

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"path"
	"text/template"
	"time"

	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		logrus.WithError(err).Warn("could not close closer properly")
	}
}

// RunCommandWithOutput runs cmd to completion. While it runs its pid is part of
// registry, so a cancelled build terminates it.
func RunCommandWithOutput(ctx context.Context, cmd *exec.Cmd, registry *cancel.Registry) error {
	_, err := CommandOutput(ctx, cmd, registry)
	return err
}

// CommandOutput runs cmd and returns its stdout. Stderr is folded into the
// error on a non-zero exit.
func CommandOutput(ctx context.Context, cmd *exec.Cmd, registry *cancel.Registry) ([]byte, error) {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", path.Base(cmd.Path)))
	defer span.End()
	span.SetAttributes(attribute.String("command", cmd.String()))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if registry != nil && !isCleanup(ctx) {
		if err := registry.Register(cmd.Process.Pid); err != nil {
			_ = cmd.Wait()
			return nil, err
		}
		defer registry.Unregister(cmd.Process.Pid)
	}

	if err := cmd.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return stdout.Bytes(), fmt.Errorf("non zero exit code exit code: %v, output: %s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (c contextReader) Read(data []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.reader.Read(data)
}

// NewContextReader fails every read once ctx is done, so long copies stop on
// cancellation.
func NewContextReader(ctx context.Context, reader io.Reader) io.Reader {
	return contextReader{ctx: ctx, reader: reader}
}

type cleanupKey struct{}

// DefaultCleanupTimeout bounds a release step when the caller has no bound of
// its own.
const DefaultCleanupTimeout = 5 * time.Minute

// CleanupContext survives cancellation of ctx but expires after timeout.
// Commands run with it are not registered for termination. Release steps of a
// cancelled build use it.
func CleanupContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return context.WithTimeout(context.WithValue(context.WithoutCancel(ctx), cleanupKey{}, true), timeout)
}

func isCleanup(ctx context.Context) bool {
	cleanup, _ := ctx.Value(cleanupKey{}).(bool)
	return cleanup
}

// CommandRunner runs host commands, optionally through sudo.
type CommandRunner struct {
	Registry *cancel.Registry
	Sudo     bool
}

func (r CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	command := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return CommandOutput(ctx, command, r.Registry)
}

func RenderTemplate(ctx context.Context, fs fs.FS, templatePath string, data any) (bytes.Buffer, error) {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("writing template: %s", templatePath))
	defer span.End()
	var buffer bytes.Buffer

	name := path.Base(templatePath)

	parsedTemplate, templateErr := template.New(name).ParseFS(fs, templatePath)
	if templateErr != nil {
		return buffer, templateErr
	}
	if err := parsedTemplate.Execute(&buffer, data); err != nil {
		return buffer, err
	}
	return buffer, nil
}

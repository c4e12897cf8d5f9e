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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/offspot/kiwix-hotspot-sub000/config"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/offspot/kiwix-hotspot-sub000/vm"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const redacted = "********"

var taskLine = regexp.MustCompile(`^TASK \[(.+?)\]`)

// Shell is the part of a booted machine provisioning needs.
type Shell interface {
	Exec(ctx context.Context, command string, opts ...vm.ExecOption) (vm.ExecResult, error)
	PutFile(ctx context.Context, content io.Reader, dest string, mode os.FileMode) error
}

type Phase struct {
	Name string
	Tags []string
}

// SetupPhase installs the system and the features selected for the build.
func SetupPhase(features []string) Phase {
	return Phase{Name: "setup", Tags: append([]string{"setup"}, features...)}
}

// MovePhase runs once content sits on the data partition.
func MovePhase() Phase {
	return Phase{Name: "move", Tags: []string{"move"}}
}

type ProvisioningError struct {
	Phase string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning phase %s failed: %v", e.Phase, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Vars are the extra variables handed to the playbook.
type Vars map[string]any

// Redacted copies v with every secret value masked.
func (v Vars) Redacted(secretKeys []string) Vars {
	secrets := make(map[string]bool, len(secretKeys))
	for _, key := range secretKeys {
		secrets[key] = true
	}
	masked := make(Vars, len(v))
	for key, value := range v {
		if secrets[key] {
			masked[key] = redacted
			continue
		}
		masked[key] = value
	}
	return masked
}

func (v Vars) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, v[key]))
	}
	return strings.Join(parts, " ")
}

type Runner struct {
	Binary     string
	Root       string
	Playbook   string
	SecretKeys []string
	Logger     report.Logger
}

func NewRunner(cfg config.ProvisionConfig, logger report.Logger) *Runner {
	return &Runner{
		Binary:     cfg.Binary,
		Root:       cfg.Root,
		Playbook:   cfg.Playbook,
		SecretKeys: cfg.SecretKeys,
		Logger:     logger,
	}
}

func (r *Runner) baseCommand(phase Phase) string {
	return fmt.Sprintf("sudo %s --inventory %s --tags %s --extra-vars @%s %s",
		r.Binary,
		path.Join(r.Root, inventoryFile),
		strings.Join(phase.Tags, ","),
		path.Join(r.Root, varsFile),
		path.Join(r.Root, r.Playbook))
}

// ParseTaskList extracts task names, in order, from a --list-tasks listing.
func ParseTaskList(listing string) []string {
	var tasks []string
	inTasks := false
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "tasks:":
			inTasks = true
		case line == "" || strings.HasPrefix(line, "play #") || strings.HasPrefix(line, "playbook:"):
			inTasks = false
		case inTasks:
			name, _, _ := strings.Cut(line, "\tTAGS:")
			name, _, _ = strings.Cut(name, "  TAGS:")
			tasks = append(tasks, strings.TrimSpace(name))
		}
	}
	return tasks
}

// Run plays phase in the guest. progress is called as tasks start, with the
// number of tasks the phase announced.
func (r *Runner) Run(ctx context.Context, shell Shell, phase Phase, vars Vars, progress func(done int, total int)) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "provision "+phase.Name)
	defer span.End()
	span.SetAttributes(attribute.StringSlice("tags", phase.Tags))

	blob, marshalErr := json.Marshal(vars)
	if marshalErr != nil {
		return &ProvisioningError{Phase: phase.Name, Err: marshalErr}
	}
	if err := shell.PutFile(ctx, strings.NewReader(string(blob)), path.Join(r.Root, varsFile), 0o600); err != nil {
		return &ProvisioningError{Phase: phase.Name, Err: err}
	}

	hosts, renderErr := utility.RenderTemplate(ctx, configFiles, inventoryTemplate, inventory{Host: "localhost", Python: "/usr/bin/python3"})
	if renderErr != nil {
		return &ProvisioningError{Phase: phase.Name, Err: renderErr}
	}
	if err := shell.PutFile(ctx, &hosts, path.Join(r.Root, inventoryFile), 0o644); err != nil {
		return &ProvisioningError{Phase: phase.Name, Err: err}
	}

	r.Logger.Step("Provisioning phase %s", phase.Name)
	logrus.WithFields(logrus.Fields{"phase": phase.Name, "vars": vars.Redacted(r.SecretKeys).String()}).Info("provisioning")

	command := r.baseCommand(phase)
	listing, listErr := shell.Exec(ctx, command+" --list-tasks")
	if listErr != nil {
		return &ProvisioningError{Phase: phase.Name, Err: listErr}
	}
	tasks := ParseTaskList(listing.Stdout)
	total := len(tasks)
	logrus.WithField("tasks", total).Debug("announced tasks")

	done := 0
	if progress != nil {
		progress(done, total)
	}
	_, runErr := shell.Exec(ctx, command, vm.WithLineHandler(func(line string) {
		match := taskLine.FindStringSubmatch(line)
		if match == nil {
			return
		}
		if done < total {
			done++
		}
		logrus.WithField("task", match[1]).Debug("provisioning task")
		if progress != nil {
			progress(done, total)
		}
	}))
	if runErr != nil {
		return &ProvisioningError{Phase: phase.Name, Err: runErr}
	}
	if progress != nil {
		progress(total, total)
	}
	r.Logger.Succ("Provisioning phase %s done", phase.Name)
	return nil
}

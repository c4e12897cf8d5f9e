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
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/config"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/stretchr/testify/require"
)

// fakeProcess is an emulator whose serial console answers typed lines from
// a script.
type fakeProcess struct {
	pid     int
	console *io.PipeReader
	output  *io.PipeWriter
	replies map[string]string
	done    chan struct{}
	once    sync.Once
	killed  bool
	mu      sync.Mutex
	typed   []string
}

func newFakeProcess(pid int, replies map[string]string) *fakeProcess {
	reader, writer := io.Pipe()
	return &fakeProcess{
		pid:     pid,
		console: reader,
		output:  writer,
		replies: replies,
		done:    make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int { return p.pid }
func (p *fakeProcess) Console() io.Reader { return p.console }
func (p *fakeProcess) Input() io.Writer { return p }

func (p *fakeProcess) Write(data []byte) (int, error) {
	line := strings.TrimSuffix(string(data), "\n")
	p.mu.Lock()
	p.typed = append(p.typed, line)
	p.mu.Unlock()
	if reply, ok := p.replies[line]; ok {
		go p.print(reply)
	}
	return len(data), nil
}

func (p *fakeProcess) print(text string) {
	_, _ = io.WriteString(p.output, text)
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		_ = p.output.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeTransport struct {
	banner   string
	replies  map[string]string
	launched []*fakeProcess
	specs    []LaunchSpec
}

func (f *fakeTransport) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	process := newFakeProcess(900000+len(f.launched), f.replies)
	f.launched = append(f.launched, process)
	f.specs = append(f.specs, spec)
	if f.banner != "" {
		go process.print(f.banner)
	}
	return process, nil
}

func (f *fakeTransport) last() *fakeProcess {
	return f.launched[len(f.launched)-1]
}

type fakeShell struct {
	mu       sync.Mutex
	commands []string
	stdin    map[string][]byte
	stdout   map[string]string
	status   map[string]int
	onRun    func(command string)
	closed   bool
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		stdin:  make(map[string][]byte),
		stdout: make(map[string]string),
		status: make(map[string]int),
	}
}

func (s *fakeShell) Run(_ context.Context, command string, stdin io.Reader, stdout io.Writer, stderr io.Writer) (int, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return -1, err
		}
		s.mu.Lock()
		s.stdin[command] = data
		s.mu.Unlock()
	}
	if s.onRun != nil {
		s.onRun(command)
	}
	_, _ = io.WriteString(stdout, s.stdout[command])
	status := s.status[command]
	if status != 0 {
		_, _ = io.WriteString(stderr, "failed: "+command+"\n")
	}
	return status, nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeShell) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

type fakeDialer struct {
	failures int
	dials    int
	shell    *fakeShell
}

func (d *fakeDialer) Dial(context.Context, string, string, string) (Shell, error) {
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	return d.shell, nil
}

func testConfig() config.EmulatorConfig {
	return config.EmulatorConfig{
		Binary:          "qemu-system-aarch64",
		Machine:         "virt",
		Memory:          "2G",
		Username:        "pi",
		Password:        "raspberry",
		LoginPrompt:     "login: ",
		BootTimeout:     2 * time.Second,
		ShutdownTimeout: time.Second,
		LoginAttempts:   2,
		ConnectAttempts: 3,
		ConnectBackoff:  time.Millisecond,
	}
}

type harness struct {
	controller *Controller
	transport  *fakeTransport
	dialer     *fakeDialer
	shell      *fakeShell
	registry   *cancel.Registry
	image      string
}

func newHarness(t *testing.T, cfg config.EmulatorConfig) *harness {
	t.Helper()
	shell := newFakeShell()
	h := &harness{
		transport: &fakeTransport{banner: "[    0.000000] Booting Linux\r\nraspberrypi login: "},
		shell:     shell,
		dialer:    &fakeDialer{shell: shell},
		registry:  cancel.NewRegistry(context.Background()),
		image:     filepath.Join(t.TempDir(), "hotspot.BUILDING.img"),
	}
	shell.onRun = func(command string) {
		if command == "sudo shutdown -P now" {
			h.transport.last().exit()
		}
	}
	controller, err := New(h.image, cfg, h.transport, h.dialer, h.registry, report.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Close() })
	h.controller = controller
	return h
}

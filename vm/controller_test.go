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
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootAndShutdown(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.Equal(t, NotBooted, h.controller.State())

	require.NoError(t, h.controller.Boot(context.TODO()))
	assert.Equal(t, Ready, h.controller.State())
	assert.Len(t, h.registry.Pids(), 1)
	assert.NotZero(t, h.transport.specs[0].HostPort)
	assert.Equal(t, 22, h.transport.specs[0].GuestPort)

	require.NoError(t, h.controller.Shutdown(context.TODO()))
	assert.Equal(t, Terminated, h.controller.State())
	assert.Empty(t, h.registry.Pids())
	assert.Equal(t, []string{"sync", "sudo shutdown -P now"}, h.shell.ran())
	assert.False(t, h.transport.last().wasKilled())
}

func TestBootTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BootTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.transport.banner = "[    0.000000] Booting Linux\r\nKernel panic - not syncing\r\n"

	start := time.Now()
	err := h.controller.Boot(context.TODO())
	var timeoutErr *BootTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, time.Since(start), cfg.BootTimeout)
	assert.Equal(t, "login: ", timeoutErr.Waiting)
	assert.Equal(t, Terminated, h.controller.State())
	assert.True(t, h.transport.last().wasKilled())
	assert.Empty(t, h.registry.Pids())
}

func TestShellConnectError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.failures = 100

	err := h.controller.Boot(context.TODO())
	var connectErr *ShellConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, 3, connectErr.Attempts)
	assert.Equal(t, 3, h.dialer.dials)
	assert.Equal(t, Terminated, h.controller.State())
	assert.True(t, h.transport.last().wasKilled())
}

func TestConnectRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.failures = 2

	require.NoError(t, h.controller.Boot(context.TODO()))
	assert.Equal(t, 3, h.dialer.dials)
}

func TestEnableShellThroughConsole(t *testing.T) {
	cfg := testConfig()
	cfg.EnableShell = true
	h := newHarness(t, cfg)
	h.transport.replies = map[string]string{
		"pi":        "Password: ",
		"raspberry": "\r\nLinux raspberrypi 6.1.21-v8+\r\npi@raspberrypi:~$ ",
		enableShell: "Created symlink /etc/systemd/system/sshd.service\r\npi@raspberrypi:~$ ",
		"exit":      "logout\r\n\r\nraspberrypi login: ",
	}

	require.NoError(t, h.controller.Boot(context.TODO()))
	process := h.transport.last()
	process.mu.Lock()
	typed := append([]string(nil), process.typed...)
	process.mu.Unlock()
	assert.Equal(t, []string{"pi", "raspberry", enableShell, "exit"}, typed)
}

func TestEnableShellRetriesLogin(t *testing.T) {
	cfg := testConfig()
	cfg.EnableShell = true
	cfg.LoginAttempts = 2
	h := newHarness(t, cfg)
	h.controller.stepTimeout = 20 * time.Millisecond
	// the password is never accepted
	h.transport.replies = map[string]string{
		"pi": "Password: ",
	}

	err := h.controller.Boot(context.TODO())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "console login after 2 attempts")
	assert.Equal(t, Terminated, h.controller.State())

	process := h.transport.last()
	process.mu.Lock()
	defer process.mu.Unlock()
	assert.Equal(t, []string{"pi", "raspberry", "pi", "raspberry"}, process.typed)
}

func TestExec(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))
	h.shell.stdout["uname -a"] = "Linux raspberrypi\r\nsecond line"

	var lines []string
	result, err := h.controller.Exec(context.TODO(), "uname -a", WithLineHandler(func(line string) {
		lines = append(lines, line)
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Status)
	assert.Equal(t, []string{"Linux raspberrypi", "second line"}, lines)
}

func TestExecCommandError(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))
	h.shell.status["false"] = 1

	_, err := h.controller.Exec(context.TODO(), "false")
	var commandErr *CommandError
	require.ErrorAs(t, err, &commandErr)
	assert.Equal(t, 1, commandErr.Status)
	assert.Equal(t, "failed: false", commandErr.Stderr)

	result, uncheckedErr := h.controller.Exec(context.TODO(), "false", WithoutCheck())
	require.NoError(t, uncheckedErr)
	assert.Equal(t, 1, result.Status)
}

func TestExecBeforeBoot(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Exec(context.TODO(), "true")
	assert.Error(t, err)
}

func TestReboot(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))

	require.NoError(t, h.controller.Reboot(context.TODO()))
	assert.Equal(t, Ready, h.controller.State())
	assert.Len(t, h.transport.launched, 2)
	assert.Len(t, h.registry.Pids(), 1)
}

func TestBootWhileReady(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))

	assert.Error(t, h.controller.Boot(context.TODO()))
}

func TestShutdownKillsStuckEmulator(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.controller.Boot(context.TODO()))
	h.shell.onRun = nil

	require.NoError(t, h.controller.Shutdown(context.TODO()))
	assert.True(t, h.transport.last().wasKilled())
	assert.Equal(t, Terminated, h.controller.State())
	assert.Empty(t, h.registry.Pids())
}

func TestOneControllerPerImage(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := New(h.image, testConfig(), h.transport, h.dialer, h.registry, report.Nop{})
	require.Error(t, err)

	require.NoError(t, h.controller.Close())
	other, reopenErr := New(h.image, testConfig(), h.transport, h.dialer, h.registry, report.Nop{})
	require.NoError(t, reopenErr)
	require.NoError(t, other.Close())
}

func TestCancelledBoot(t *testing.T) {
	h := newHarness(t, testConfig())
	h.transport.banner = "[    0.000000] Booting Linux\r\n"
	ctx, stop := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		stop()
	}()
	err := h.controller.Boot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Terminated, h.controller.State())
	assert.True(t, h.transport.last().wasKilled())
	assert.Empty(t, h.registry.Pids())
}

func TestPutFile(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))

	require.NoError(t, h.controller.PutFile(context.TODO(), strings.NewReader(`{"a": 1}`), "/var/lib/ansible/local/extra_vars.json", 0o600))
	commands := h.shell.ran()
	require.Len(t, commands, 2)
	assert.True(t, strings.HasPrefix(commands[0], "cat > '/tmp/"))
	assert.Equal(t, `{"a": 1}`, string(h.shell.stdin[commands[0]]))
	assert.Contains(t, commands[1], "sudo mv '/tmp/")
	assert.Contains(t, commands[1], "sudo chmod 600 '/var/lib/ansible/local/extra_vars.json'")
}

func TestPutDir(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.controller.Boot(context.TODO()))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/playbooks/main.yml", []byte("- hosts: hotspot"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/playbooks/roles/captive/tasks.yml", []byte("- name: portal"), 0o644))

	require.NoError(t, h.controller.PutDir(context.TODO(), fs, "/playbooks", "/var/lib/ansible/local"))
	commands := h.shell.ran()
	require.Len(t, commands, 2)
	assert.Contains(t, commands[0], "tar -x -C '/tmp/")
	assert.Contains(t, commands[1], "sudo rm -rf '/var/lib/ansible/local'")

	files := map[string]string{}
	reader := tar.NewReader(bytes.NewReader(h.shell.stdin[commands[0]]))
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, readErr := io.ReadAll(reader)
		require.NoError(t, readErr)
		files[header.Name] = string(data)
	}
	assert.Equal(t, map[string]string{
		"main.yml":                "- hosts: hotspot",
		"roles/captive/tasks.yml": "- name: portal",
	}, files)
}

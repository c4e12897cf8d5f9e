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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/config"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	loginStepTimeout = 30 * time.Second
	passwordPrompt   = "Password: "
	shellPrompt      = "$ "
	enableShell      = "sudo systemctl enable --now ssh"
)

// Controller drives one emulator booting one image. Only one controller may
// hold an image at a time, across processes.
type Controller struct {
	image     string
	cfg       config.EmulatorConfig
	transport Transport
	dialer    Dialer
	registry  *cancel.Registry
	logger    report.Logger
	lock      *flock.Flock
	// stepTimeout bounds each console login exchange.
	stepTimeout time.Duration

	mu      sync.Mutex
	state   State
	process Process
	console *consoleWatcher
	exited  chan struct{}
	shell   Shell
}

func New(image string, cfg config.EmulatorConfig, transport Transport, dialer Dialer, registry *cancel.Registry, logger report.Logger) (*Controller, error) {
	lock := flock.New(image + ".lock")
	locked, lockErr := lock.TryLock()
	if lockErr != nil {
		return nil, fmt.Errorf("locking %s: %w", image, lockErr)
	}
	if !locked {
		return nil, fmt.Errorf("image %s is already used by another emulator", image)
	}
	return &Controller{
		image:       image,
		cfg:         cfg,
		transport:   transport,
		dialer:      dialer,
		registry:    registry,
		logger:      logger,
		lock:        lock,
		stepTimeout: loginStepTimeout,
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logrus.WithFields(logrus.Fields{"image": c.image, "from": c.state, "to": state}).Debug("emulator state")
	c.state = state
}

func freePort() (int, error) {
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		return 0, listenErr
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Boot starts the emulator and returns once a remote shell is connected.
func (c *Controller) Boot(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.canBoot() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot boot emulator while %s", state)
	}
	c.state = Booting
	c.mu.Unlock()

	ctx, span := telemetry.GetTracer().Start(ctx, "boot")
	defer span.End()

	port, portErr := freePort()
	if portErr != nil {
		c.setState(Terminated)
		return portErr
	}
	span.SetAttributes(attribute.Int("port", port))

	c.logger.Step("Starting emulator")
	process, launchErr := c.transport.Launch(ctx, LaunchSpec{Image: c.image, HostPort: port, GuestPort: 22})
	if launchErr != nil {
		c.setState(Terminated)
		return launchErr
	}

	console := newConsoleWatcher()
	exited := make(chan struct{})
	c.mu.Lock()
	c.process = process
	c.console = console
	c.exited = exited
	c.mu.Unlock()
	go func() {
		_ = process.Wait()
		close(exited)
	}()

	if err := c.registry.Register(process.Pid()); err != nil {
		c.terminate()
		return err
	}

	booted := console.arm(c.cfg.LoginPrompt)
	go console.pump(process.Console(), func(line string) {
		logrus.WithField("image", c.image).Debug(line)
	})

	c.logger.Step("Waiting for the emulator to boot")
	if err := booted.wait(ctx, c.cfg.BootTimeout); err != nil {
		c.terminate()
		if errors.Is(err, errExpectTimeout) {
			return &BootTimeoutError{Timeout: c.cfg.BootTimeout, Waiting: c.cfg.LoginPrompt}
		}
		return fmt.Errorf("booting emulator: %w", err)
	}

	if c.cfg.EnableShell {
		if err := c.enableShell(ctx); err != nil {
			c.terminate()
			return err
		}
	}

	shell, connectErr := c.connect(ctx, port)
	if connectErr != nil {
		c.terminate()
		return connectErr
	}

	c.mu.Lock()
	c.shell = shell
	c.mu.Unlock()
	c.setState(Ready)
	c.logger.Succ("Emulator ready")
	return nil
}

// typeLine sends keystrokes to the serial console once expect has been armed.
func (c *Controller) typeLine(ctx context.Context, line string, expect string) error {
	c.mu.Lock()
	console, process := c.console, c.process
	c.mu.Unlock()

	armed := console.arm(expect)
	if _, err := io.WriteString(process.Input(), line+"\n"); err != nil {
		console.disarm(armed)
		return err
	}
	return armed.wait(ctx, c.stepTimeout)
}

func (c *Controller) enableShell(ctx context.Context) error {
	c.logger.Step("Enabling remote shell")
	var loginErr error
	for attempt := 1; attempt <= c.cfg.LoginAttempts; attempt++ {
		if loginErr = c.typeLine(ctx, c.cfg.Username, passwordPrompt); loginErr != nil {
			logrus.WithError(loginErr).WithField("attempt", attempt).Warn("no password prompt")
			continue
		}
		if loginErr = c.typeLine(ctx, c.cfg.Password, shellPrompt); loginErr != nil {
			logrus.WithError(loginErr).WithField("attempt", attempt).Warn("console login failed")
			continue
		}
		break
	}
	if loginErr != nil {
		return fmt.Errorf("console login after %d attempts: %w", c.cfg.LoginAttempts, loginErr)
	}
	if err := c.typeLine(ctx, enableShell, shellPrompt); err != nil {
		return fmt.Errorf("enabling ssh: %w", err)
	}
	return c.typeLine(ctx, "exit", c.cfg.LoginPrompt)
}

func (c *Controller) connect(ctx context.Context, port int) (Shell, error) {
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ConnectBackoff
	policy.MaxElapsedTime = 0

	var shell Shell
	attempts := 0
	operation := func() error {
		attempts++
		dialed, dialErr := c.dialer.Dial(ctx, address, c.cfg.Username, c.cfg.Password)
		if dialErr != nil {
			logrus.WithError(dialErr).WithField("attempt", attempts).Debug("remote shell not reachable yet")
			return dialErr
		}
		shell = dialed
		return nil
	}
	retries := uint64(0)
	if c.cfg.ConnectAttempts > 1 {
		retries = uint64(c.cfg.ConnectAttempts - 1)
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		return nil, &ShellConnectError{Address: address, Attempts: attempts, Err: err}
	}
	return shell, nil
}

// terminate force-stops the emulator. It is the error edge of every state.
func (c *Controller) terminate() {
	c.mu.Lock()
	process, shell, exited := c.process, c.shell, c.exited
	c.shell = nil
	c.mu.Unlock()

	if shell != nil {
		_ = shell.Close()
	}
	if process != nil {
		if err := process.Kill(); err != nil {
			logrus.WithError(err).Warn("could not kill emulator")
		}
		<-exited
		c.registry.Unregister(process.Pid())
	}
	c.setState(Terminated)
}

type ExecResult struct {
	Status int
	Stdout string
	Stderr string
}

// ExecOptions is the resolved form of a list of ExecOption.
type ExecOptions struct {
	Check   bool
	Handler func(string)
	Stdin   io.Reader
}

type ExecOption func(*ExecOptions)

func NewExecOptions(opts ...ExecOption) ExecOptions {
	options := ExecOptions{Check: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithoutCheck returns non-zero statuses in ExecResult instead of an error.
func WithoutCheck() ExecOption {
	return func(o *ExecOptions) {
		o.Check = false
	}
}

func WithLineHandler(handler func(string)) ExecOption {
	return func(o *ExecOptions) {
		o.Handler = handler
	}
}

func WithStdin(stdin io.Reader) ExecOption {
	return func(o *ExecOptions) {
		o.Stdin = stdin
	}
}

// lineWriter splits a stream into lines.
type lineWriter struct {
	pending []byte
	emit    func(string)
}

func (l *lineWriter) Write(data []byte) (int, error) {
	l.pending = append(l.pending, data...)
	for {
		index := bytes.IndexByte(l.pending, '\n')
		if index < 0 {
			return len(data), nil
		}
		l.emit(strings.TrimRight(string(l.pending[:index]), "\r"))
		l.pending = l.pending[index+1:]
	}
}

func (l *lineWriter) flush() {
	if len(l.pending) > 0 {
		l.emit(string(l.pending))
		l.pending = nil
	}
}

// Exec runs command in the guest, streaming its output line by line.
func (c *Controller) Exec(ctx context.Context, command string, opts ...ExecOption) (ExecResult, error) {
	options := NewExecOptions(opts...)

	c.mu.Lock()
	shell, state := c.shell, c.state
	c.mu.Unlock()
	if shell == nil || (state != Ready && state != ShuttingDown) {
		return ExecResult{}, fmt.Errorf("cannot run %q while emulator is %s", command, state)
	}

	var stdout, stderr bytes.Buffer
	lines := &lineWriter{emit: func(line string) {
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		c.logger.Std("%s", line)
		if options.Handler != nil {
			options.Handler(line)
		}
	}}

	logrus.WithField("command", command).Debug("running guest command")
	status, runErr := shell.Run(ctx, command, options.Stdin, lines, &stderr)
	lines.flush()
	result := ExecResult{Status: status, Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		return result, fmt.Errorf("running %q: %w", command, runErr)
	}
	if options.Check && status != 0 {
		return result, &CommandError{Command: command, Status: status, Stderr: strings.TrimSpace(result.Stderr)}
	}
	return result, nil
}

// Shutdown powers the guest off, killing the emulator if it outlives the
// shutdown timeout.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	state, process, exited, shell := c.state, c.process, c.exited, c.shell
	c.mu.Unlock()
	if state == NotBooted || state == Terminated {
		return nil
	}
	c.setState(ShuttingDown)

	ctx, span := telemetry.GetTracer().Start(ctx, "shutdown")
	defer span.End()
	c.logger.Step("Shutting emulator down")

	if shell != nil {
		if _, err := c.Exec(ctx, "sync", WithoutCheck()); err != nil {
			logrus.WithError(err).Warn("sync failed before shutdown")
		}
		if _, err := c.Exec(ctx, "sudo shutdown -P now", WithoutCheck()); err != nil {
			logrus.WithError(err).Debug("shutdown command ended with the connection")
		}
		c.mu.Lock()
		c.shell = nil
		c.mu.Unlock()
		_ = shell.Close()
	}

	var shutdownErr error
	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		logrus.WithField("timeout", c.cfg.ShutdownTimeout).Warn("emulator did not power off, killing it")
		shutdownErr = process.Kill()
		<-exited
	case <-ctx.Done():
		_ = process.Kill()
		<-exited
		shutdownErr = ctx.Err()
	}

	c.registry.Unregister(process.Pid())
	c.setState(Terminated)
	return shutdownErr
}

func (c *Controller) Reboot(ctx context.Context) error {
	if err := c.Shutdown(ctx); err != nil {
		return err
	}
	return c.Boot(ctx)
}

// Close stops the emulator if needed and releases the image.
func (c *Controller) Close() error {
	var closeErr error
	switch c.State() {
	case Ready:
		closeErr = c.Shutdown(context.Background())
	case Booting, ShuttingDown:
		c.terminate()
	}
	if err := c.lock.Unlock(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	return closeErr
}

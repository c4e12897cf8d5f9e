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
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/offspot/kiwix-hotspot-sub000/config"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type LaunchSpec struct {
	Image     string
	HostPort  int
	GuestPort int
}

// Process is a running emulator. Console carries its serial output and Input
// its serial input.
type Process interface {
	Pid() int
	Console() io.Reader
	Input() io.Writer
	// Wait blocks until the emulator has exited. It may be called more than once.
	Wait() error
	Kill() error
}

type Transport interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

type QEMU struct {
	Binary  string
	Machine string
	CPU     string
	CPUs    int
	Memory  string
	Kernel  string
	Initrd  string
	DTB     string
	Append  string
}

func NewQEMU(cfg config.EmulatorConfig) QEMU {
	return QEMU{
		Binary:  cfg.Binary,
		Machine: cfg.Machine,
		CPU:     cfg.CPU,
		CPUs:    cfg.CPUs,
		Memory:  cfg.Memory,
		Kernel:  cfg.Kernel,
		Initrd:  cfg.Initrd,
		DTB:     cfg.DTB,
		Append:  cfg.Append,
	}
}

func (q QEMU) Args(spec LaunchSpec) ([]string, error) {
	memory, memoryErr := datasize.ParseString(q.Memory)
	if memoryErr != nil {
		return nil, fmt.Errorf("emulator memory %q: %w", q.Memory, memoryErr)
	}
	guestPort := spec.GuestPort
	if guestPort == 0 {
		guestPort = 22
	}

	args := []string{
		"-M", q.Machine,
		"-m", strconv.FormatUint(memory.Bytes()/datasize.MB.Bytes(), 10) + "M",
	}
	if q.CPU != "" {
		args = append(args, "-cpu", q.CPU)
	}
	if q.CPUs > 1 {
		args = append(args, "-smp", strconv.Itoa(q.CPUs))
	}
	if q.Kernel != "" {
		args = append(args, "-kernel", q.Kernel)
	}
	if q.Initrd != "" {
		args = append(args, "-initrd", q.Initrd)
	}
	if q.DTB != "" {
		args = append(args, "-dtb", q.DTB)
	}
	if q.Append != "" {
		args = append(args, "-append", q.Append)
	}
	args = append(args,
		"-drive", fmt.Sprintf("file=%s,format=raw,if=none,id=hd0", spec.Image),
		"-device", "virtio-blk-pci,drive=hd0",
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:%d", spec.HostPort, guestPort),
		"-device", "virtio-net-pci,netdev=net0",
		"-nographic",
		"-no-reboot",
	)
	return args, nil
}

// Launch starts the emulator. It is not bound to ctx: the controller decides
// when the emulator dies.
func (q QEMU) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	_, span := telemetry.GetTracer().Start(ctx, "launch emulator")
	defer span.End()

	args, argsErr := q.Args(spec)
	if argsErr != nil {
		return nil, argsErr
	}
	span.SetAttributes(attribute.String("command", q.Binary+" "+strings.Join(args, " ")))

	command := exec.Command(q.Binary, args...) //nolint:gosec
	input, inputErr := command.StdinPipe()
	if inputErr != nil {
		return nil, inputErr
	}
	reader, writer := io.Pipe()
	command.Stdout = writer
	command.Stderr = writer

	logrus.WithField("args", strings.Join(args, " ")).Debug("launching emulator")
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", q.Binary, err)
	}

	process := &qemuProcess{
		command: command,
		console: reader,
		input:   input,
		done:    make(chan struct{}),
	}
	go func() {
		process.err = command.Wait()
		_ = writer.Close()
		close(process.done)
	}()
	return process, nil
}

type qemuProcess struct {
	command *exec.Cmd
	console *io.PipeReader
	input   io.WriteCloser
	done    chan struct{}
	err     error
}

func (p *qemuProcess) Pid() int {
	return p.command.Process.Pid
}

func (p *qemuProcess) Console() io.Reader {
	return p.console
}

func (p *qemuProcess) Input() io.Writer {
	return p.input
}

func (p *qemuProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *qemuProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.command.Process.Kill()
}

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
	"errors"
	"fmt"
	"time"
)

var (
	errExpectTimeout = errors.New("timed out waiting for console output")
	errConsoleClosed = errors.New("emulator console closed")
)

type BootTimeoutError struct {
	Timeout time.Duration
	Waiting string
}

func (e *BootTimeoutError) Error() string {
	return fmt.Sprintf("emulator did not print %q within %s", e.Waiting, e.Timeout)
}

type ShellConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ShellConnectError) Error() string {
	return fmt.Sprintf("no remote shell at %s after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ShellConnectError) Unwrap() error {
	return e.Err
}

// CommandError is a guest command that exited non-zero.
type CommandError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Status, e.Stderr)
}

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
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Shell runs commands inside the guest.
type Shell interface {
	Run(ctx context.Context, command string, stdin io.Reader, stdout io.Writer, stderr io.Writer) (int, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address string, username string, password string) (Shell, error)
}

type SSHDialer struct {
	Timeout time.Duration
}

func (d SSHDialer) Dial(ctx context.Context, address string, username string, password string) (Shell, error) {
	netDialer := net.Dialer{Timeout: d.Timeout}
	conn, dialErr := netDialer.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, dialErr
	}

	clientConfig := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		// the guest generates fresh host keys on every build
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         d.Timeout,
	}
	sshConn, channels, requests, handshakeErr := ssh.NewClientConn(conn, address, clientConfig)
	if handshakeErr != nil {
		_ = conn.Close()
		return nil, handshakeErr
	}
	return &sshShell{client: ssh.NewClient(sshConn, channels, requests)}, nil
}

type sshShell struct {
	client *ssh.Client
}

// Run returns the exit status of command. A dropped connection is an error
// with status -1.
func (s *sshShell) Run(ctx context.Context, command string, stdin io.Reader, stdout io.Writer, stderr io.Writer) (int, error) {
	session, sessionErr := s.client.NewSession()
	if sessionErr != nil {
		return -1, sessionErr
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(command); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	}

	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if waitErr != nil {
		return -1, waitErr
	}
	return 0, nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}

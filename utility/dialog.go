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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ConfirmDialog asks a yes/no question on the terminal. Without a terminal on
// stdin the answer is always no.
func ConfirmDialog(format string, args ...any) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	return confirm(os.Stdin, os.Stdout, fmt.Sprintf(format, args...))
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	_, _ = fmt.Fprint(out, question)
	line, readErr := bufio.NewReader(in).ReadString('\n')
	if readErr != nil && readErr != io.EOF {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	default:
		return false
	}
}

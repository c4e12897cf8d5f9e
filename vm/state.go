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

import "fmt"

type State int

const (
	NotBooted State = iota
	Booting
	Ready
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case NotBooted:
		return "not-booted"
	case Booting:
		return "booting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// canBoot reports whether Boot may start from s. A terminated machine boots
// again on reboot.
func (s State) canBoot() bool {
	return s == NotBooted || s == Terminated
}

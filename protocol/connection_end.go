// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"fmt"
	"strings"
)

// ConnectionEnd is the role of one side of a connection.
type ConnectionEnd int

const (
	Client ConnectionEnd = iota
	Server
)

// Peer returns the opposite role.
func (e ConnectionEnd) Peer() ConnectionEnd {
	if e == Client {
		return Server
	}
	return Client
}

func (e ConnectionEnd) String() string {
	if e == Client {
		return "client"
	}
	return "server"
}

func ParseConnectionEnd(s string) (ConnectionEnd, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return Client, nil
	case "server":
		return Server, nil
	}
	return Client, fmt.Errorf("unknown connection end %q", s)
}

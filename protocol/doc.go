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

/*
Package protocol holds the wire constants shared by every layer of the engine:
protocol versions, record content types, handshake message types, alerts and
the cipher suite table.

Values outside the known sets are legal everywhere in this module. A peer
under test may send any byte, and a workflow author may want to send one, so
the types here never reject unknown values; they only describe them.

TLS record layout from [RFC 8446] and [RFC 6347]:

	TLS:  | type(1) | version(2) | length(2) | fragment ... |
	DTLS: | type(1) | version(2) | epoch(2) | sequence_number(6) | length(2) | fragment ... |

[RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
[RFC 6347]: https://datatracker.ietf.org/doc/html/rfc6347#section-4.1
*/
package protocol

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

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

type fileConnection struct {
	Alias              string `toml:"alias"`
	Transport          string `toml:"transport"`
	End                string `toml:"end"`
	Address            string `toml:"address"`
	Timeout            string `toml:"timeout"`
	FirstTimeout       string `toml:"first_timeout"`
	ConnectTimeout     string `toml:"connect_timeout"`
	Proxy              string `toml:"proxy"`
	SplitSizes         []int  `toml:"split_sizes"`
	RecordFragmentSize int    `toml:"record_fragment_size"`
	CapturePath        string `toml:"capture_path"`
	Timing             bool   `toml:"timing"`
}

type fileConfig struct {
	QuickReceive                      bool             `toml:"quick_receive"`
	EarlyStop                         bool             `toml:"early_stop"`
	DoNotParseInvalidMACOrPadMessages bool             `toml:"do_not_parse_invalid_mac_or_pad_messages"`
	HTTPSParsingEnabled               bool             `toml:"https_parsing_enabled"`
	StopActionsAfterFatalAlert        bool             `toml:"stop_actions_after_fatal_alert"`
	StopActionsAfterIOError           bool             `toml:"stop_actions_after_io_error"`
	StopTraceAfterUnexpected          bool             `toml:"stop_trace_after_unexpected"`
	MaxRetransmissions                int              `toml:"max_retransmissions"`
	FinishWithCloseNotify             bool             `toml:"finish_with_close_notify"`
	ResetTracesBeforeSaving           bool             `toml:"reset_traces_before_saving"`
	WorkflowExecutorShouldOpen        bool             `toml:"workflow_executor_should_open"`
	WorkflowExecutorShouldClose       bool             `toml:"workflow_executor_should_close"`
	HighestProtocolVersion            string           `toml:"highest_protocol_version"`
	DefaultSelectedCipherSuite        string           `toml:"default_selected_cipher_suite"`
	SupportedCipherSuites             []string         `toml:"supported_cipher_suites"`
	ConnectionEnd                     string           `toml:"connection_end"`
	DefaultMaxRecordData              int              `toml:"default_max_record_data"`
	DTLSCookieLength                  int              `toml:"dtls_cookie_length"`
	DefaultApplicationData            string           `toml:"default_application_data"`
	SNIHostname                       string           `toml:"sni_hostname"`
	HTTPHost                          string           `toml:"http_host"`
	WorkflowInput                     string           `toml:"workflow_input"`
	WorkflowOutput                    string           `toml:"workflow_output"`
	Connections                       []fileConnection `toml:"connection"`
}

// Load reads a TOML file. Only keys present in the file override [Default].
func Load(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Decode is Load for in-memory TOML.
func Decode(data string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (*Config, error) {
	cfg := Default()
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	setBool := func(key string, dst *bool, v bool) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}
	setBool("quick_receive", &cfg.QuickReceive, raw.QuickReceive)
	setBool("early_stop", &cfg.EarlyStop, raw.EarlyStop)
	setBool("do_not_parse_invalid_mac_or_pad_messages", &cfg.DoNotParseInvalidMACOrPadMessages, raw.DoNotParseInvalidMACOrPadMessages)
	setBool("https_parsing_enabled", &cfg.HTTPSParsingEnabled, raw.HTTPSParsingEnabled)
	setBool("stop_actions_after_fatal_alert", &cfg.StopActionsAfterFatalAlert, raw.StopActionsAfterFatalAlert)
	setBool("stop_actions_after_io_error", &cfg.StopActionsAfterIOError, raw.StopActionsAfterIOError)
	setBool("stop_trace_after_unexpected", &cfg.StopTraceAfterUnexpected, raw.StopTraceAfterUnexpected)
	setBool("finish_with_close_notify", &cfg.FinishWithCloseNotify, raw.FinishWithCloseNotify)
	setBool("reset_traces_before_saving", &cfg.ResetTracesBeforeSaving, raw.ResetTracesBeforeSaving)
	setBool("workflow_executor_should_open", &cfg.WorkflowExecutorShouldOpen, raw.WorkflowExecutorShouldOpen)
	setBool("workflow_executor_should_close", &cfg.WorkflowExecutorShouldClose, raw.WorkflowExecutorShouldClose)

	if meta.IsDefined("max_retransmissions") {
		if raw.MaxRetransmissions < 0 {
			return nil, errors.New("max_retransmissions must not be negative")
		}
		cfg.MaxRetransmissions = raw.MaxRetransmissions
	}
	if meta.IsDefined("highest_protocol_version") {
		v, err := protocol.ParseProtocolVersion(raw.HighestProtocolVersion)
		if err != nil {
			return nil, fmt.Errorf("parse highest_protocol_version: %w", err)
		}
		cfg.HighestProtocolVersion = v
	}
	if meta.IsDefined("default_selected_cipher_suite") {
		id, err := protocol.ParseCipherSuite(raw.DefaultSelectedCipherSuite)
		if err != nil {
			return nil, fmt.Errorf("parse default_selected_cipher_suite: %w", err)
		}
		cfg.DefaultSelectedCipherSuite = id
	}
	if meta.IsDefined("supported_cipher_suites") {
		cfg.SupportedCipherSuites = cfg.SupportedCipherSuites[:0:0]
		for _, s := range raw.SupportedCipherSuites {
			id, err := protocol.ParseCipherSuite(s)
			if err != nil {
				return nil, fmt.Errorf("parse supported_cipher_suites: %w", err)
			}
			cfg.SupportedCipherSuites = append(cfg.SupportedCipherSuites, id)
		}
	}
	if meta.IsDefined("connection_end") {
		end, err := protocol.ParseConnectionEnd(raw.ConnectionEnd)
		if err != nil {
			return nil, fmt.Errorf("parse connection_end: %w", err)
		}
		cfg.ConnectionEnd = end
	}
	if meta.IsDefined("default_max_record_data") {
		if raw.DefaultMaxRecordData <= 0 || raw.DefaultMaxRecordData > 1<<14+2048 {
			return nil, fmt.Errorf("default_max_record_data out of range: %d", raw.DefaultMaxRecordData)
		}
		cfg.DefaultMaxRecordData = raw.DefaultMaxRecordData
	}
	if meta.IsDefined("dtls_cookie_length") {
		cfg.DTLSCookieLength = raw.DTLSCookieLength
	}
	if meta.IsDefined("default_application_data") {
		cfg.DefaultApplicationData = raw.DefaultApplicationData
	}
	if meta.IsDefined("sni_hostname") {
		cfg.SNIHostname = strings.TrimSpace(raw.SNIHostname)
	}
	if meta.IsDefined("http_host") {
		cfg.HTTPHost = strings.TrimSpace(raw.HTTPHost)
	}
	if meta.IsDefined("workflow_input") {
		cfg.WorkflowInput = strings.TrimSpace(raw.WorkflowInput)
	}
	if meta.IsDefined("workflow_output") {
		cfg.WorkflowOutput = strings.TrimSpace(raw.WorkflowOutput)
	}

	if meta.IsDefined("connection") {
		conns := make([]Connection, 0, len(raw.Connections))
		seen := make(map[string]bool)
		for i, fc := range raw.Connections {
			conn, err := parseConnection(fc, cfg)
			if err != nil {
				return nil, fmt.Errorf("parse connection %d: %w", i, err)
			}
			if seen[conn.Alias] {
				return nil, fmt.Errorf("duplicate connection alias %q", conn.Alias)
			}
			seen[conn.Alias] = true
			conns = append(conns, conn)
		}
		cfg.Connections = conns
	}
	return cfg, nil
}

func parseConnection(fc fileConnection, cfg *Config) (Connection, error) {
	conn := Connection{
		Alias:              strings.TrimSpace(fc.Alias),
		Transport:          TransportType(strings.ToLower(strings.TrimSpace(fc.Transport))),
		End:                cfg.ConnectionEnd,
		Address:            strings.TrimSpace(fc.Address),
		Proxy:              strings.TrimSpace(fc.Proxy),
		SplitSizes:         fc.SplitSizes,
		RecordFragmentSize: fc.RecordFragmentSize,
		CapturePath:        strings.TrimSpace(fc.CapturePath),
		Timing:             fc.Timing,
		Timeout:            time.Second,
		ConnectTimeout:     5 * time.Second,
	}
	if conn.Alias == "" {
		conn.Alias = DefaultAlias
	}
	switch conn.Transport {
	case "":
		conn.Transport = TransportTCP
		if cfg.IsDTLS() {
			conn.Transport = TransportUDP
		}
	case TransportTCP, TransportUDP:
	default:
		return Connection{}, fmt.Errorf("unknown transport %q", fc.Transport)
	}
	if fc.End != "" {
		end, err := protocol.ParseConnectionEnd(fc.End)
		if err != nil {
			return Connection{}, err
		}
		conn.End = end
	}
	if conn.Address == "" {
		return Connection{}, errors.New("address is required")
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", fc.Timeout, &conn.Timeout},
		{"first_timeout", fc.FirstTimeout, &conn.FirstTimeout},
		{"connect_timeout", fc.ConnectTimeout, &conn.ConnectTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Connection{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	for _, size := range conn.SplitSizes {
		if size <= 0 {
			return Connection{}, fmt.Errorf("split size must be positive, got %d", size)
		}
	}
	return conn, nil
}

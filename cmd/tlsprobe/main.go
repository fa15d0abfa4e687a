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

// tlsprobe runs a scripted TLS or DTLS conversation and saves what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/workflow"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	configFlag := flag.String("config", "", "TOML configuration file. Defaults apply when empty")
	workflowFlag := flag.String("workflow", "", "YAML workflow trace to run. Overrides WorkflowInput")
	outFlag := flag.String("out", "", "File to save the executed trace to. Overrides WorkflowOutput")

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		cfg, err = config.Load(*configFlag)
		if err != nil {
			slog.Error("Failed to load config", "error", err)
			os.Exit(1)
		}
	}
	if *workflowFlag != "" {
		cfg.WorkflowInput = *workflowFlag
	}
	if *outFlag != "" {
		cfg.WorkflowOutput = *outFlag
	}
	if cfg.WorkflowInput == "" {
		slog.Error("Need a workflow trace to run")
		flag.Usage()
		os.Exit(1)
	}

	trace, err := workflow.LoadTrace(cfg.WorkflowInput)
	if err != nil {
		slog.Error("Failed to load workflow", "error", err)
		os.Exit(1)
	}
	state, err := workflow.NewState(cfg, trace)
	if err != nil {
		slog.Error("Failed to set up connections", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res := workflow.NewExecutor(state).Run(ctx)
	if res.Err != nil {
		slog.Error("Workflow error", "error", res.Err)
	}
	if res.CloseErr != nil {
		slog.Warn("Connections did not close cleanly", "error", res.CloseErr)
	}
	for i, a := range trace.Actions {
		slog.Info("Action", "index", i, "action", a, "executed", a.Executed(), "as_planned", a.ExecutedAsPlanned())
	}
	fmt.Println(res.Status)
	if res.Status == workflow.Failed {
		os.Exit(1)
	}
}

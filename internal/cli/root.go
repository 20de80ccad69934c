// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the baton command tree. Every command talks to
// a batond daemon through internal/client; nothing here touches the
// store directly.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/baton/internal/client"
	"github.com/tombee/baton/internal/jq"
)

// Exit codes returned by the CLI.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsage      = 2
	ExitValidation = 3
	ExitNotFound   = 4
)

// Globals holds the persistent flags shared by every subcommand.
type Globals struct {
	// Addr overrides BATON_ADDR for this invocation.
	Addr string

	// Agent overrides BATON_AGENT; stamped on created tasks.
	Agent string

	// JSON switches output to machine-readable JSON.
	JSON bool

	// JQ filters the JSON response through a jq expression and implies
	// machine-readable output.
	JQ string
}

// Client builds the daemon client for one command invocation. Flags win
// over BATON_* environment variables.
func (g *Globals) Client() *client.Client {
	var opts []client.Option
	if g.Addr != "" {
		opts = append(opts, client.WithBaseURL(g.Addr))
	}
	if g.Agent != "" {
		opts = append(opts, client.WithAgentID(g.Agent))
	}
	return client.FromEnv(opts...)
}

// NewRootCommand creates the root baton command with all subcommands
// attached. Version information comes from main's ldflags.
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &Globals{}

	cmd := &cobra.Command{
		Use:   "baton",
		Short: "baton - durable task orchestration",
		Long: `Baton schedules recurring and event-driven tasks and executes their
pipelines through a durable work queue. The CLI talks to a running
batond daemon (BATON_ADDR, default ` + client.DefaultBaseURL + `).

Define a task in YAML or JSON and register it with 'baton task create'.
Inspect execution history with 'baton runs list'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.JQ != "" {
				if err := jq.Validate(g.JQ); err != nil {
					return usageError(err.Error())
				}
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.Addr, "addr", "", "Daemon base URL (default: BATON_ADDR or "+client.DefaultBaseURL+")")
	pf.StringVar(&g.Agent, "agent", "", "Agent id stamped on created tasks (default: BATON_AGENT)")
	pf.BoolVar(&g.JSON, "json", false, "Output in JSON format")
	pf.StringVar(&g.JQ, "jq", "", "Filter JSON output through a jq expression")

	// Accept snake_case spellings of flags; the API speaks snake_case
	// and muscle memory carries it over.
	pf.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.AddCommand(newTaskCommand(g))
	cmd.AddCommand(newRunsCommand(g))
	cmd.AddCommand(newEventsCommand(g))
	cmd.AddCommand(newWorkersCommand(g))
	cmd.AddCommand(newHealthCommand(g))
	cmd.AddCommand(newPingCommand(g))
	cmd.AddCommand(newVersionCommand(g, version, commit, buildDate))

	return cmd
}

// ExitError carries a process exit code alongside the message.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

func usageError(msg string) error {
	return &ExitError{Code: ExitUsage, Message: msg}
}

// jqApply evaluates the --jq expression over a decoded API response.
// internal/jq bounds the evaluation itself.
func jqApply(expr string, v any) ([]any, error) {
	return jq.Apply(context.Background(), expr, v)
}

// HandleExitError prints err and terminates with the matching exit code.
// Daemon responses map onto codes: validation 3, not found 4, anything
// else 1.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	code := ExitFailure
	var exitErr *ExitError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.Code
	case errors.As(err, &apiErr):
		switch {
		case client.IsNotFound(err):
			code = ExitNotFound
		case apiErr.Kind == "validation":
			code = ExitValidation
		}
	}

	fmt.Fprintln(os.Stderr, renderError(err.Error()))
	os.Exit(code)
}

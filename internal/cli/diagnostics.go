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

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newWorkersCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Show known workers and their heartbeat freshness",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := g.Client().ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), list, func(w io.Writer) error {
				if len(list.Workers) == 0 {
					fmt.Fprintln(w, renderMuted("no workers have reported in"))
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WORKER\tLAST SEEN\tHEALTHY")
				for _, ws := range list.Workers {
					health := renderOK("yes")
					if !ws.Healthy {
						health = renderError("stale")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", ws.WorkerID, formatAge(ws.LastSeen), health)
				}
				return tw.Flush()
			})
		},
	}
	return cmd
}

func newHealthCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report daemon and store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := g.Client().GetHealth(cmd.Context())
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), h, func(w io.Writer) error {
				if h.Status == "ok" {
					fmt.Fprintln(w, renderOK("daemon is healthy"))
					return nil
				}
				fmt.Fprintln(w, renderError("daemon is "+h.Status))
				if h.Error != "" {
					fmt.Fprintln(w, renderMuted("  "+h.Error))
				}
				return &ExitError{Code: ExitFailure, Message: "daemon reported " + h.Status}
			})
		},
	}
	return cmd
}

func newPingCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := g.Client().Ping(cmd.Context()); err != nil {
				return err
			}
			rtt := time.Since(start)
			return g.Emit(cmd.OutOrStdout(), map[string]any{
				"status": "ok",
				"rtt_ms": rtt.Milliseconds(),
			}, func(w io.Writer) error {
				fmt.Fprintln(w, renderOK(fmt.Sprintf("pong (%s)", formatDuration(rtt))))
				return nil
			})
		},
	}
	return cmd
}

func newVersionCommand(g *Globals, version, commit, buildDate string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show CLI version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
			}
			return g.Emit(cmd.OutOrStdout(), info, func(w io.Writer) error {
				fmt.Fprintf(w, "baton %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			})
		},
	}
	return cmd
}

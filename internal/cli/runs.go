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

	"github.com/spf13/cobra"

	"github.com/tombee/baton/internal/client"
	"github.com/tombee/baton/internal/store"
)

func newRunsCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
		Long: `Commands for listing and viewing runs. A run is the immutable record
of one execution attempt; failed attempts that were retried each have
their own run.`,
	}

	cmd.AddCommand(newRunsListCommand(g))
	cmd.AddCommand(newRunsShowCommand(g))

	return cmd
}

func newRunsListCommand(g *Globals) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's runs, newest first",
		Example: `  # Recent runs
  baton runs list 4f7c...

  # Error messages of failed attempts
  baton runs list 4f7c... --json | jq -r '.runs[] | select(.success|not) | .error'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := g.Client().ListRuns(cmd.Context(), args[0], client.ListOptions{
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), list, func(w io.Writer) error {
				return renderRunTable(w, list.Runs)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")

	return cmd
}

func newRunsShowCommand(g *Globals) *cobra.Command {
	var outputOnly bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run, including its captured step outputs",
		Example: `  # Full run record
  baton runs show 91d2...

  # Just the pipeline output
  baton runs show 91d2... --output

  # One step's captured value
  baton runs show 91d2... --jq .output.steps.fetch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.Client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputOnly {
				return g.Emit(cmd.OutOrStdout(), r.Output, func(w io.Writer) error {
					s, err := marshalIndentJSON(r.Output)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, s)
					return nil
				})
			}
			return g.Emit(cmd.OutOrStdout(), r, func(w io.Writer) error {
				return renderRunDetail(w, r)
			})
		},
	}

	cmd.Flags().BoolVar(&outputOnly, "output", false, "Print only the recorded pipeline output")

	return cmd
}

func runStatus(r *store.Run) string {
	switch {
	case r.Skipped:
		return renderMuted("skipped")
	case r.Success:
		return renderOK("ok")
	default:
		return renderError("failed")
	}
}

func renderRunTable(w io.Writer, runs []*store.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, renderMuted("no runs"))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPT\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID,
			runStatus(r),
			r.Attempt,
			formatTime(r.StartedAt),
			formatDuration(r.FinishedAt.Sub(r.StartedAt)),
			truncate(r.Error, 48),
		)
	}
	return tw.Flush()
}

func renderRunDetail(w io.Writer, r *store.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("run"), r.ID)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("task"), r.TaskID)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("status"), runStatus(r))
	fmt.Fprintf(tw, "%s\t%d\n", renderMuted("attempt"), r.Attempt)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("worker"), r.LeaseOwner)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("started"), formatTime(r.StartedAt))
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("duration"), formatDuration(r.FinishedAt.Sub(r.StartedAt)))
	if r.Error != "" {
		fmt.Fprintf(tw, "%s\t%s\n", renderMuted("error"), r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Output) > 0 {
		fmt.Fprintln(w, renderHeading("output"))
		s, err := marshalIndentJSON(r.Output)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, s)
	}
	return nil
}

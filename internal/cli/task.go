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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/baton/internal/client"
	"github.com/tombee/baton/pkg/task"
)

func newTaskCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long: `Commands for creating, inspecting, and steering tasks.

A task is a schedule (cron, rrule, once, or event) plus a pipeline of
steps. The daemon derives occurrences from the schedule and workers
execute the pipeline for each one.`,
	}

	cmd.AddCommand(newTaskCreateCommand(g))
	cmd.AddCommand(newTaskListCommand(g))
	cmd.AddCommand(newTaskShowCommand(g))
	cmd.AddCommand(newTaskUpdateCommand(g))
	cmd.AddCommand(newTaskLifecycleCommand(g, "pause", "Suspend firing; the definition is kept"))
	cmd.AddCommand(newTaskLifecycleCommand(g, "resume", "Reactivate a paused task"))
	cmd.AddCommand(newTaskLifecycleCommand(g, "cancel", "Terminally stop a task and discard pending work"))
	cmd.AddCommand(newTaskSnoozeCommand(g))
	cmd.AddCommand(newTaskRunNowCommand(g))

	return cmd
}

func newTaskCreateCommand(g *Globals) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create -f <file>",
		Short: "Create a task from a definition file",
		Long: `Register a new task from a YAML or JSON definition. Use "-" to read
from stdin. The daemon validates the schedule expression and returns
the persisted task including its derived next fire time.`,
		Example: `  # Create a task from a YAML definition
  baton task create -f nightly-report.yaml

  # Pipe a definition in as JSON
  cat task.json | baton task create -f -

  # Capture the assigned id
  baton task create -f task.yaml --jq .id`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadTaskRequest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			created, err := g.Client().CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), created, func(w io.Writer) error {
				fmt.Fprintln(w, renderOK(fmt.Sprintf("created task %s (%q)", created.ID, created.Title)))
				if created.NextRun != nil {
					fmt.Fprintln(w, renderMuted("  next run "+formatTime(*created.NextRun)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Task definition file (YAML or JSON, \"-\" for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newTaskListCommand(g *Globals) *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Example: `  # All tasks
  baton task list

  # Only paused tasks
  baton task list --status paused

  # Ids of active cron tasks
  baton task list --json | jq -r '.tasks[] | select(.schedule.kind=="cron") | .id'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := g.Client().ListTasks(cmd.Context(), client.ListOptions{
				Status: status,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), list, func(w io.Writer) error {
				return renderTaskTable(w, list.Tasks)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, paused, canceled, completed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of tasks to skip")

	return cmd
}

func newTaskShowCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.Client().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), t, func(w io.Writer) error {
				return renderTaskDetail(w, t)
			})
		},
	}
	return cmd
}

func newTaskUpdateCommand(g *Globals) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update <task-id> -f <file>",
		Short: "Replace a task's definition",
		Long: `Replace the task's definition with the one in the file. Changing the
schedule re-derives the next fire time; occurrences of the old
schedule are not replayed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadTaskRequest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			updated, err := g.Client().UpdateTask(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), updated, func(w io.Writer) error {
				fmt.Fprintln(w, renderOK(fmt.Sprintf("updated task %s", updated.ID)))
				if updated.NextRun != nil {
					fmt.Fprintln(w, renderMuted("  next run "+formatTime(*updated.NextRun)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Task definition file (YAML or JSON, \"-\" for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newTaskLifecycleCommand(g *Globals, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.Client()
			var t *task.Task
			var err error
			switch verb {
			case "pause":
				t, err = c.PauseTask(cmd.Context(), args[0])
			case "resume":
				t, err = c.ResumeTask(cmd.Context(), args[0])
			case "cancel":
				t, err = c.CancelTask(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), t, func(w io.Writer) error {
				fmt.Fprintln(w, renderOK(fmt.Sprintf("task %s is now %s", t.ID, t.Status)))
				return nil
			})
		},
	}
}

func newTaskSnoozeCommand(g *Globals) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "snooze <task-id> --for <duration>",
		Short: "Shift the next fire time",
		Long: `Push the task's next fire forward by the given duration (capped at one
week). A negative duration pulls it earlier, floored at now.`,
		Example: `  # Skip tonight's run until tomorrow morning
  baton task snooze 4f7c... --for 8h

  # Undo most of that
  baton task snooze 4f7c... --for -7h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.Client().SnoozeTask(cmd.Context(), args[0], delay)
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				if res.NextRun == nil {
					fmt.Fprintln(w, renderWarn("task has no pending fire to snooze"))
					return nil
				}
				fmt.Fprintln(w, renderOK("next run is now "+formatTime(*res.NextRun)))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&delay, "for", 0, "How far to shift the next fire (e.g. 30m, 2h, -1h)")
	_ = cmd.MarkFlagRequired("for")

	return cmd
}

func newTaskRunNowCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-now <task-id>",
		Short: "Enqueue an immediate out-of-schedule run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.Client().RunNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				if res.Suppressed {
					fmt.Fprintln(w, renderWarn("suppressed: the task's dedupe key already has pending or recent work"))
					return nil
				}
				fmt.Fprintln(w, renderOK(fmt.Sprintf("enqueued work %d", *res.WorkID)))
				return nil
			})
		},
	}
	return cmd
}

// loadTaskRequest reads a task definition from path ("-" for stdin).
// YAML is the native format; JSON parses as a YAML subset. Unknown
// fields are rejected so typos fail here instead of silently at the
// daemon.
func loadTaskRequest(path string, stdin io.Reader) (*client.TaskRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: "reading task definition", Cause: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var req client.TaskRequest
	if err := dec.Decode(&req); err != nil {
		return nil, &ExitError{Code: ExitValidation, Message: "parsing task definition", Cause: err}
	}
	return &req, nil
}

func renderTaskTable(w io.Writer, tasks []*task.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintln(w, renderMuted("no tasks"))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSCHEDULE\tSTATUS\tPRI\tNEXT RUN")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID,
			truncate(t.Title, 32),
			scheduleSummary(t),
			t.Status,
			t.Policy.Priority,
			formatTimePtr(t.NextRun),
		)
	}
	return tw.Flush()
}

func renderTaskDetail(w io.Writer, t *task.Task) error {
	fmt.Fprintln(w, renderHeading(t.Title))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("id"), t.ID)
	if t.AgentID != "" {
		fmt.Fprintf(tw, "%s\t%s\n", renderMuted("agent"), t.AgentID)
	}
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("status"), string(t.Status))
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("schedule"), scheduleSummary(t))
	fmt.Fprintf(tw, "%s\t%d\n", renderMuted("priority"), t.Policy.Priority)
	fmt.Fprintf(tw, "%s\t%d (%s backoff)\n", renderMuted("max retries"), t.Policy.MaxRetries, t.Policy.Backoff)
	if t.Policy.DedupeKey != "" {
		fmt.Fprintf(tw, "%s\t%s (%ds window)\n", renderMuted("dedupe key"), t.Policy.DedupeKey, t.Policy.DedupeWindowSeconds)
	}
	if t.Policy.ConcurrencyKey != "" {
		fmt.Fprintf(tw, "%s\t%s\n", renderMuted("concurrency key"), t.Policy.ConcurrencyKey)
	}
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("next run"), formatTimePtr(t.NextRun))
	fmt.Fprintf(tw, "%s\t%s\n", renderMuted("created"), formatTime(t.CreatedAt))
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, renderHeading("pipeline"))
	for i, s := range t.Payload.Pipeline {
		line := fmt.Sprintf("  %d. %s → %s", i+1, s.ID, s.Uses)
		if s.If != "" {
			line += renderMuted("  if " + s.If)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func scheduleSummary(t *task.Task) string {
	s := t.Schedule
	switch s.Kind {
	case task.ScheduleEvent:
		return fmt.Sprintf("event %s", s.Expression)
	default:
		out := fmt.Sprintf("%s %s", s.Kind, s.Expression)
		if s.Timezone != "" && s.Timezone != "UTC" {
			out += " (" + s.Timezone + ")"
		}
		return out
	}
}

// marshalIndentJSON is shared by detail views that dump raw documents.
func marshalIndentJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

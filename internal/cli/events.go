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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/baton/internal/client"
)

func newEventsCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Publish events onto the bus",
		Long: `Event-scheduled tasks fire when an event with their topic arrives.
Publishing through the daemon puts the event on the same bus the
ingester consumes, so delivery and dedupe behave exactly as they do
for external producers.`,
	}

	cmd.AddCommand(newEventsPublishCommand(g))

	return cmd
}

func newEventsPublishCommand(g *Globals) *cobra.Command {
	var payload, payloadFile, source, id string

	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish one event",
		Example: `  # Fire every task scheduled on the deploys.finished topic
  baton events publish deploys.finished

  # Attach a payload the pipelines can template against
  baton events publish deploys.finished --payload '{"env":"prod","sha":"abc123"}'

  # Stable id: a second publish inside the dedupe window is a no-op
  baton events publish deploys.finished --id deploy-4211`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := eventPayload(payload, payloadFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			receipt, err := g.Client().PublishEvent(cmd.Context(), &client.Event{
				Topic:   args[0],
				Payload: body,
				Source:  source,
				ID:      id,
			})
			if err != nil {
				return err
			}
			return g.Emit(cmd.OutOrStdout(), receipt, func(w io.Writer) error {
				fmt.Fprintln(w, renderOK(fmt.Sprintf("published %s as %s", receipt.Topic, receipt.StreamID)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Event payload as inline JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the payload from a JSON file (\"-\" for stdin)")
	cmd.Flags().StringVar(&source, "source", "", "Producer identifier recorded on the event")
	cmd.Flags().StringVar(&id, "id", "", "Stable event id for at-least-once dedupe")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

// eventPayload resolves --payload / --payload-file into raw JSON, and
// rejects bodies that are not valid JSON before they reach the daemon.
func eventPayload(inline, file string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Message: "reading payload", Cause: err}
		}
	case file != "":
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Message: "reading payload", Cause: err}
		}
	default:
		return nil, nil
	}

	if !json.Valid(data) {
		return nil, &ExitError{Code: ExitValidation, Message: "payload is not valid JSON"}
	}
	return json.RawMessage(data), nil
}

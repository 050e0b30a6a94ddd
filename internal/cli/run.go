package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSubmitCmd(c *client) *cobra.Command {
	var (
		req        domain.RunRequest
		isolation  string
		input      string
		maxRetries int
		wait       bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to the execution queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireKey(c); err != nil {
				return err
			}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &req.InputPayload); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			req.Isolation = domain.IsolationLevel(isolation)
			if err := req.Validate(); err != nil {
				return err
			}

			var run domain.AgentRun
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/runs", req, &run); err != nil {
				return err
			}
			if wait {
				final, err := waitForRun(cmd, c, run.ID, interval)
				if err != nil {
					return err
				}
				run = *final
			}
			return writeJSON(cmd, run)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.UserAgentID, "agent", "", "user agent id")
	f.StringVar(&req.UserID, "user", "", "end user id")
	f.StringVar(&req.WebhookURL, "webhook", "", "agent webhook URL")
	f.StringVar(&input, "input", "", "input payload as a JSON object")
	f.StringVar(&isolation, "isolation", "", "isolation level (basic, enhanced, strict)")
	f.BoolVar(&req.RequiresMemory, "memory", false, "restore and persist agent memory")
	f.IntVar(&maxRetries, "max-retries", domain.DefaultMaxRetries, "retries after the first attempt")
	f.IntVar(&req.TimeoutMs, "timeout-ms", 0, "per-attempt timeout in milliseconds")
	f.BoolVar(&wait, "wait", false, "poll until the run is terminal")
	f.DurationVar(&interval, "poll", time.Second, "poll interval for --wait")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("webhook")
	return cmd
}

func waitForRun(cmd *cobra.Command, c *client, id uuid.UUID, interval time.Duration) (*domain.AgentRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var run domain.AgentRun
		if err := c.do(cmd.Context(), http.MethodGet, "/v1/runs/"+id.String(), nil, &run); err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return &run, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newRunCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect runs",
	}
	cmd.AddCommand(
		runGetter(c, "get <run-id>", "Show a run", ""),
		runGetter(c, "failures <run-id>", "List failure logs of a run", "/failures"),
		runGetter(c, "events <run-id>", "List status transitions of a run", "/events"),
	)
	return cmd
}

func runGetter(c *client, use, short, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireKey(c); err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			var out json.RawMessage
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/runs/"+id.String()+suffix, nil, &out); err != nil {
				return err
			}
			return writeJSON(cmd, out)
		},
	}
}

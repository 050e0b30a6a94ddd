package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/spf13/cobra"
)

func newRuntimeCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Inspect and control the organization runtime",
	}
	cmd.AddCommand(
		runtimeCall(c, "status", "Show runtime status", http.MethodGet, "/v1/runtime"),
		runtimeCall(c, "metrics", "Show the execution dashboard", http.MethodGet, "/v1/runtime/metrics"),
		runtimeCall(c, "pause", "Pause the runtime", http.MethodPost, "/v1/runtime/pause"),
		runtimeCall(c, "resume", "Resume the runtime", http.MethodPost, "/v1/runtime/resume"),
	)
	return cmd
}

func runtimeCall(c *client, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireKey(c); err != nil {
				return err
			}
			var out json.RawMessage
			if err := c.do(cmd.Context(), method, path, nil, &out); err != nil {
				return err
			}
			return writeJSON(cmd, out)
		},
	}
}

func newMemoryCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read and write agent memory",
	}

	get := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show an agent's memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireKey(c); err != nil {
				return err
			}
			var st domain.AgentMemoryState
			if err := c.do(cmd.Context(), http.MethodGet, memoryPath(args[0]), nil, &st); err != nil {
				return err
			}
			return writeJSON(cmd, st)
		},
	}

	var data string
	put := &cobra.Command{
		Use:   "put <agent-id>",
		Short: "Merge a memory update into an agent's memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireKey(c); err != nil {
				return err
			}
			var update domain.MemoryUpdate
			if err := json.Unmarshal([]byte(data), &update); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
			var st domain.AgentMemoryState
			if err := c.do(cmd.Context(), http.MethodPut, memoryPath(args[0]), update, &st); err != nil {
				return err
			}
			return writeJSON(cmd, st)
		},
	}
	put.Flags().StringVar(&data, "data", "", "memory update as JSON")
	_ = put.MarkFlagRequired("data")

	cmd.AddCommand(get, put)
	return cmd
}

func memoryPath(agentID string) string {
	return "/v1/agents/" + url.PathEscape(agentID) + "/memory"
}

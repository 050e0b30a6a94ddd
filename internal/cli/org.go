package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/spf13/cobra"
)

func newOrgCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	cmd.AddCommand(newOrgCreateCmd(c))
	return cmd
}

func newOrgCreateCmd(c *client) *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an organization and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidTier(tier) {
				return fmt.Errorf("unknown tier %q", tier)
			}
			var out map[string]any
			in := map[string]any{"name": args[0], "subscription_tier": tier}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/organizations", in, &out); err != nil {
				return err
			}
			return writeJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(domain.TierFree), "subscription tier (free, pro, enterprise)")
	cmd.Flags().StringVar(&c.adminKey, "admin-key", os.Getenv(envAdminKey), "server admin key, required for paid tiers")
	return cmd
}

package cli

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	envServer = "AGENTRUNTIME_URL"
	envAPIKey = "AGENTRUNTIME_API_KEY"
	// envAdminKey matches the server's ADMIN_API_KEY.
	envAdminKey = "AGENTRUNTIME_ADMIN_KEY"

	defaultServer = "http://localhost:8080"
)

var errMissingAPIKey = errors.New("an API key is required (--api-key or " + envAPIKey + ")")

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "agentctl: submit agent runs and inspect organization runtimes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&c.baseURL, "server", envOrDefault(envServer, defaultServer), "runtime server base URL")
	rootCmd.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv(envAPIKey), "organization API key")

	rootCmd.AddCommand(
		newVersionCmd(),
		newOrgCmd(c),
		newSubmitCmd(c),
		newRunCmd(c),
		newRuntimeCmd(c),
		runtimeCall(c, "status", "Show runtime status (same as runtime status)", http.MethodGet, "/v1/runtime"),
		newMemoryCmd(c),
	)
	return rootCmd
}

func requireKey(c *client) error {
	if c.apiKey == "" {
		return errMissingAPIKey
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

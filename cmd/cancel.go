package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/testmind-dev/tmrun/internal/api"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run executing on a tmrun server",
	Long: `Ask the tmrun server that owns the run to cancel it. A running run has
its test process terminated and is recorded as "Canceled by user".`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelServer string

func init() {
	rootCmd.AddCommand(cancelCmd)

	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (default: derived from server.addr)")
}

func runCancel(cmd *cobra.Command, args []string) error {
	base := cancelServer
	if base == "" {
		base = serverURL(cfg.Server.Addr)
	}
	endpoint := strings.TrimRight(base, "/") + "/runs/" + url.PathEscape(args[0]) + "/cancel"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusAccepted {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
		return nil
	}
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("cancel failed: %s", resp.Status)
	}
	return fmt.Errorf("cancel failed: %s (%s)", apiErr.Error, apiErr.Code)
}

// serverURL turns a listen address into a URL a local client can reach.
func serverURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

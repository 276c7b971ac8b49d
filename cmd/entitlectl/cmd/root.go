package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL string
	apiKey    string
	timeout   time.Duration

	httpClient *http.Client
)

// rootCmd is the base command for entitlectl.
var rootCmd = &cobra.Command{
	Use:   "entitlectl",
	Short: "Operator CLI for the entitled license server",
	Long: `entitlectl talks to a running entitled server over its HTTP API.
It covers the administrative surface: issuing licenses, bulk generation
from templates, status transitions, payments, and spot verification.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if apiKey == "" {
			apiKey = os.Getenv("ENTITLED_API_KEY")
		}
		httpClient = &http.Client{Timeout: timeout}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "entitled server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API key (defaults to ENTITLED_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

// doRequest sends a JSON request to the server and decodes the response
// into out when it is non-nil. Non-2xx responses are surfaced with the
// server's problem detail when one is present.
func doRequest(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) == nil && problem.Title != "" {
			if problem.Detail != "" {
				return fmt.Errorf("%s: %s (HTTP %d)", problem.Title, problem.Detail, resp.StatusCode)
			}
			return fmt.Errorf("%s (HTTP %d)", problem.Title, resp.StatusCode)
		}
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

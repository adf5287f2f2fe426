// Command dispatchctl is the operator CLI for a running dispatcherd
// instance. It only talks to the diagnostics HTTP surface
// (internal/dispatch/httpapi) — it never reimplements dispatcher
// internals (SPEC_FULL §2.5).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var addrFlag string

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "CLI client for a running dispatcherd diagnostics surface",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&addrFlag, "addr", "a", "http://localhost:8080", "dispatcherd diagnostics base URL")

	rootCmd.AddCommand(healthCmd(), queueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report whether the dispatcher is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(addrFlag+"/healthz", os.Stdout)
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Report available task counts per worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(addrFlag+"/queue", os.Stdout)
		},
	}
}

func getJSON(url string, w io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}

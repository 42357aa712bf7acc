package main

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

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show workflow status",
	Long: `Show the current phase, per-phase gate state, attempt count, and the
latest evaluator feedback for a workflow.

Examples:
  gateflow status 7f9c2e
  gateflow status --server http://localhost:8080 7f9c2e`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(fmt.Sprintf("/api/v1/workflows/%s", args[0]))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a workflow from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/workflows/%s/resume", args[0]), nil)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <workflow-id> <phase>",
	Short: "Roll a workflow back to an earlier phase",
	Long: `Roll a workflow back to an earlier phase. The target phase and all later
phases lose their progress, attempt history, and escalations.

Example:
  gateflow rollback 7f9c2e design`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/workflows/%s/rollback", args[0]),
			map[string]any{"to_phase": args[1]})
	},
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <workflow-id> <phase> <reason>",
	Short: "Force-escalate a phase to human review",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/workflows/%s/escalate", args[0]),
			map[string]any{"phase": args[1], "reason": args[2]})
	},
}

var gateCmd = &cobra.Command{
	Use:   "gate <workflow-id> <phase> <gate> <pass|fail>",
	Short: "Record an external gate outcome",
	Long: `Record an externally determined gate outcome, e.g. a CI system reporting
tests_pass for the implementation phase.

Example:
  gateflow gate 7f9c2e implementation tests_pass pass`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var passed bool
		switch args[3] {
		case "pass":
			passed = true
		case "fail":
			passed = false
		default:
			return fmt.Errorf("outcome must be pass or fail, got %q", args[3])
		}
		return postJSON(fmt.Sprintf("/api/v1/workflows/%s/gates/%s", args[0], args[2]),
			map[string]any{"phase": args[1], "passed": passed})
	},
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(path string) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed (is the server running at %s?): %w", serverURL, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	resp, err := httpClient().Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed (is the server running at %s?): %w", serverURL, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// printResponse pretty-prints JSON bodies and surfaces non-2xx responses as
// errors.
func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = os.Stdout.Write(data)
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

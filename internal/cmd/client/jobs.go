// Package client contains Cobra CLI commands that talk to the dispatch HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// BaseURLFunc resolves the API base URL at command run time.
type BaseURLFunc func() string

// NewJobsCommand constructs the `jobs` command group and subcommands.
func NewJobsCommand(baseURL BaseURLFunc) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Job operations (submit, status, cancel, list, stats)",
	}
	jobsCmd.AddCommand(
		newJobsSubmitCommand(baseURL),
		newJobsStatusCommand(baseURL),
		newJobsCancelCommand(baseURL),
		newJobsListCommand(baseURL),
		newJobsStatsCommand(baseURL),
	)
	return jobsCmd
}

func newJobsSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a generation job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lane, _ := cmd.Flags().GetString("lane")
			prompt, _ := cmd.Flags().GetString("prompt")
			providerName, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			noFallback, _ := cmd.Flags().GetBool("no-fallback")

			payload := map[string]any{"prompt": prompt}
			if providerName != "" {
				payload["provider"] = providerName
			}
			if model != "" {
				payload["model"] = model
			}
			if maxTokens > 0 {
				payload["max_tokens"] = maxTokens
			}
			if noFallback {
				payload["allow_fallback"] = false
			}
			body := map[string]any{"lane": lane, "payload": payload}
			if maxAttempts > 0 {
				body["max_attempts"] = maxAttempts
			}
			return postJSON(cmd, baseURL()+"/v1/jobs", body)
		},
	}
	submitCmd.Flags().String("lane", "default", "Priority lane: high|default|low")
	submitCmd.Flags().String("prompt", "", "Prompt text")
	submitCmd.Flags().String("provider", "", "Provider name (server default when empty)")
	submitCmd.Flags().String("model", "", "Model name (server default when empty)")
	submitCmd.Flags().Int("max-tokens", 0, "Token limit for the generation")
	submitCmd.Flags().Int("max-attempts", 0, "Attempt budget (server default when 0)")
	submitCmd.Flags().Bool("no-fallback", false, "Disable provider failover for this job")
	return submitCmd
}

func newJobsStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, baseURL()+"/v1/jobs/"+url.PathEscape(args[0]))
		},
	}
}

func newJobsCancelCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, baseURL()+"/v1/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	}
}

func newJobsListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by a CEL expression",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if filter != "" {
				q.Set("filter", filter)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			u := baseURL() + "/v1/jobs"
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			return getJSON(cmd, u)
		},
	}
	listCmd.Flags().String("filter", "", `CEL filter, e.g. state=="dead" && lane=="high"`)
	listCmd.Flags().Int("limit", 100, "Maximum jobs to return")
	return listCmd
}

func newJobsStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths and live lease count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON(cmd, baseURL()+"/v1/stats")
		},
	}
}

func postJSON(cmd *cobra.Command, u string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if subject := os.Getenv("DISPATCH_SUBJECT"); subject != "" {
		req.Header.Set("X-Auth-Subject", subject)
	}
	return doRequest(cmd, req)
}

func getJSON(cmd *cobra.Command, u string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if subject := os.Getenv("DISPATCH_SUBJECT"); subject != "" {
		req.Header.Set("X-Auth-Subject", subject)
	}
	return doRequest(cmd, req)
}

func doRequest(cmd *cobra.Command, req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	out := strings.TrimSpace(string(raw))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, out)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// Command reelsmithctl is a thin HTTP client over the reelsmithd Job,
// Queue, and Settings APIs.
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

var (
	serverAddr string
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:   "reelsmithctl",
		Short: "Control a running reelsmithd daemon",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8765", "reelsmithd API base URL")

	root.AddCommand(
		newAddCmd(),
		newListCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newRetryCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newRemoveCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newStartCmd(),
		newStopCmd(),
		newSettingsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <remote-path>",
		Short: "Enqueue a remote file for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/jobs", map[string]string{"remote_path": args[0]}, os.Stdout)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/jobs", os.Stdout)
		},
	}
}

func jobIDCommand(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/api/jobs/%s/%s", args[0], verb), nil, os.Stdout)
		},
	}
}

func newPauseCmd() *cobra.Command   { return jobIDCommand("pause <job-id>", "Pause a job", "pause") }
func newResumeCmd() *cobra.Command  { return jobIDCommand("resume <job-id>", "Resume a paused job", "resume") }
func newRetryCmd() *cobra.Command   { return jobIDCommand("retry <job-id>", "Retry a failed job", "retry") }
func newApproveCmd() *cobra.Command { return jobIDCommand("approve <job-id>", "Approve a job awaiting upload", "approve") }
func newRejectCmd() *cobra.Command  { return jobIDCommand("reject <job-id>", "Reject a job awaiting upload", "reject") }

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a waiting job from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteRequest(fmt.Sprintf("/api/jobs/%s", args[0]))
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/queue/status", os.Stdout)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/queue/stats", os.Stdout)
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the queue orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/queue/start", nil, os.Stdout)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the queue orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/queue/stop", nil, os.Stdout)
		},
	}
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "View daemon settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/settings", os.Stdout)
		},
	}
	return cmd
}

func getJSON(path string, out io.Writer) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp, out)
}

func postJSON(path string, body any, out io.Writer) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	resp, err := httpClient.Post(serverAddr+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp, out)
}

func deleteRequest(path string) error {
	req, err := http.NewRequest(http.MethodDelete, serverAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp, os.Stdout)
}

func printResponse(resp *http.Response, out io.Writer) error {
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server responded %s: %s", resp.Status, string(data))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}

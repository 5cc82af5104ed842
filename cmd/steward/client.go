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

	"github.com/haasonsaas/steward/pkg/models"
)

// apiClient talks to a running steward host over its HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	if addr == "" {
		addr = os.Getenv("STEWARD_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8170"
	}
	return &apiClient{
		baseURL: addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", "", "Host address (default http://127.0.0.1:8170, or STEWARD_ADDR)")
}

func buildChatCmd() *cobra.Command {
	var (
		addr   string
		convID string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message and enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			var out struct {
				JobID          string `json:"job_id"`
				ConversationID string `json:"conversation_id"`
			}
			err := client.do(http.MethodPost, "/chat", map[string]string{
				"conversation_id": convID,
				"message":         args[0],
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("job %s (conversation %s)\n", out.JobID, out.ConversationID)
			if follow {
				return followJob(client, out.JobID)
			}
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVar(&convID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Poll the job until it finishes")
	return cmd
}

func buildJobsCmd() *cobra.Command {
	var (
		addr   string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "jobs <job-id>",
		Short: "Show a job and its activity stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			if follow {
				return followJob(client, args[0])
			}
			var out jobView
			if err := client.do(http.MethodGet, "/jobs/"+args[0], nil, &out); err != nil {
				return err
			}
			printJob(&out)
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Poll until the job finishes")
	return cmd
}

func buildRespondCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "respond <job-id> <answer>",
		Short: "Answer a job waiting for input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			err := client.do(http.MethodPost, "/jobs/"+args[0]+"/respond",
				map[string]string{"response": args[1]}, nil)
			if err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func buildCancelCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request job cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			err := client.do(http.MethodPost, "/jobs/"+args[0]+"/cancel", struct{}{}, nil)
			if err != nil {
				return err
			}
			fmt.Println("cancellation requested")
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func buildConversationsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			var convs []*models.Conversation
			if err := client.do(http.MethodGet, "/conversations", nil, &convs); err != nil {
				return err
			}
			for _, c := range convs {
				tag := ""
				if c.IsSchedulerRun {
					tag = " [scheduled]"
				}
				fmt.Printf("%s  %s%s\n", c.ID, c.CreatedAt.Format(time.RFC3339), tag)
			}
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func buildSchedulesCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			var scheds []*models.Schedule
			if err := client.do(http.MethodGet, "/schedules", nil, &scheds); err != nil {
				return err
			}
			for _, s := range scheds {
				next := "disabled"
				if s.NextFire != nil {
					next = s.NextFire.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-20s  %-16s  next %s  runs %d\n",
					s.ID, s.Name, s.CronExpr, next, s.RunCount)
			}
			return nil
		},
	}
	addAddrFlag(cmd, &addr)

	var runAddr string
	run := &cobra.Command{
		Use:   "run <schedule-id>",
		Short: "Fire a schedule immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(runAddr)
			var out map[string]string
			err := client.do(http.MethodPost, "/schedules/"+args[0]+"/run", struct{}{}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("job %s\n", out["job_id"])
			return nil
		},
	}
	addAddrFlag(run, &runAddr)
	cmd.AddCommand(run)
	return cmd
}

type jobView struct {
	Job              *models.Job        `json:"job"`
	Activities       []*models.Activity `json:"activities"`
	LatestActivityID int64              `json:"latest_activity_id"`
	Pending          *pendingView       `json:"pending"`
}

type pendingView struct {
	Kind        string   `json:"kind"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Suggestions []string `json:"suggestions"`
	AuthURL     string   `json:"auth_url"`
}

func printJob(v *jobView) {
	fmt.Printf("job %s  status=%s  conversation=%s\n",
		v.Job.ID, v.Job.Status, v.Job.ConversationID)
	if v.Job.Result != "" {
		fmt.Printf("result: %s\n", v.Job.Result)
	}
	if v.Job.Error != "" {
		fmt.Printf("error: %s\n", v.Job.Error)
	}
	if v.Pending != nil {
		printPending(v.Pending)
	}
	for _, a := range v.Activities {
		printActivity(a)
	}
}

func printPending(p *pendingView) {
	if p.AuthURL != "" {
		fmt.Printf("waiting for authorization: %s\n", p.AuthURL)
		return
	}
	fmt.Printf("waiting for input: %s\n", p.Question)
	for _, opt := range p.Options {
		fmt.Printf("  - %s\n", opt)
	}
	for _, sug := range p.Suggestions {
		fmt.Printf("  (suggestion: %s)\n", sug)
	}
}

func printActivity(a *models.Activity) {
	mark := " "
	if a.IsError {
		mark = "!"
	}
	fmt.Printf("%s %-14s %s\n", mark, a.Type, a.Message)
}

// followJob polls a job's activity stream until a terminal state, printing
// activities as they appear.
func followJob(client *apiClient, jobID string) error {
	var since int64
	for {
		var out jobView
		path := fmt.Sprintf("/jobs/%s?since_activity_id=%d", jobID, since)
		if err := client.do(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		for _, a := range out.Activities {
			printActivity(a)
		}
		since = out.LatestActivityID

		switch out.Job.Status {
		case models.JobCompleted:
			if out.Job.Result != "" {
				fmt.Printf("\n%s\n", out.Job.Result)
			}
			return nil
		case models.JobFailed:
			return fmt.Errorf("job failed: %s", out.Job.Error)
		case models.JobCancelled:
			fmt.Println("cancelled")
			return nil
		case models.JobWaitingForInput, models.JobOAuthPending:
			if out.Pending != nil {
				printPending(out.Pending)
			}
			fmt.Printf("answer with: steward respond %s <answer>\n", jobID)
			return nil
		}
		time.Sleep(time.Second)
	}
}

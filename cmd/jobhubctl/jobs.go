package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/httpapi"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (c *cli) submitCmd() *cobra.Command {
	var (
		req        httpapi.SubmitRequest
		data       string
		priority   string
		maxRetries int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job",
		Example: `  jobhubctl submit --type bulk_assignment --data '{"caseId":"c1","emailIds":["e1","e2"]}'
  jobhubctl submit --type data_export --priority high --data '{"caseId":"demo","format":"json"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				req.Data = json.RawMessage(data)
			}
			p, err := jobhub.ParsePriority(priority)
			if err != nil {
				return err
			}
			req.Priority = p
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			req.Timeout = timeout.Milliseconds()

			id, err := c.client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(httpapi.SubmitResponse{JobID: id})
			}
			fmt.Fprintf(c.out, "Job submitted: %s\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Type, "type", "", "job type (required)")
	f.StringVar(&data, "data", "", "JSON payload")
	f.StringVar(&priority, "priority", "normal", "priority: urgent, high, normal or low")
	f.IntVar(&maxRetries, "max-retries", 0, "retry limit (server default when unset)")
	f.DurationVar(&timeout, "timeout-per-attempt", 0, "attempt timeout (server default when unset)")
	f.StringVar(&req.User, "user", "", "submitting user")
	f.StringVar(&req.ID, "id", "", "client-chosen job id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				j, err := c.client.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := c.printJob(j); err != nil {
					return err
				}
				if !follow || j.Terminal() {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
				fmt.Fprintln(c.out)
			}
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var status, types, user, partition, sort, order string
	var page, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := url.Values{}
			set := func(k, val string) {
				if val != "" {
					v.Set(k, val)
				}
			}
			set("status", status)
			set("type", types)
			set("user", user)
			set("partition", partition)
			set("sort", sort)
			set("order", order)
			if page > 0 {
				v.Set("page", strconv.Itoa(page))
			}
			if limit > 0 {
				v.Set("limit", strconv.Itoa(limit))
			}
			q, err := httpapi.ParseQuery(v)
			if err != nil {
				return err
			}
			res, err := c.client.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(res)
			}
			return c.printJobList(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "comma separated statuses")
	f.StringVar(&types, "type", "", "comma separated job types")
	f.StringVar(&user, "user", "", "submitting user")
	f.StringVar(&partition, "partition", "", "active, completed or failed")
	f.StringVar(&sort, "sort", "", "created, updated, priority or status")
	f.StringVar(&order, "order", "", "asc or desc")
	f.IntVar(&page, "page", 0, "page number, from 1")
	f.IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending, queued, running or retrying job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := c.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(j)
			}
			if j.CancelRequested && j.Status == jobhub.StatusRunning {
				fmt.Fprintf(c.out, "Cancellation requested for running job %s\n", j.ID)
				return nil
			}
			fmt.Fprintf(c.out, "Job %s is %s\n", j.ID, j.Status)
			return nil
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a failed or stalled job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.client.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(httpapi.SubmitResponse{JobID: id})
			}
			fmt.Fprintf(c.out, "Retry submitted: %s (from %s)\n", id, args[0])
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(httpapi.DeleteResponse{ID: args[0], Deleted: true})
			}
			fmt.Fprintf(c.out, "Job %s deleted\n", args[0])
			return nil
		},
	}
}

func (c *cli) printJob(j *jobhub.Job) error {
	if c.jsonOutput() {
		return c.printJSON(j)
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Field", "Value")
	table.Append("ID", j.ID)
	table.Append("Type", j.Type)
	table.Append("Status", string(j.Status))
	table.Append("Priority", string(j.Priority))
	if j.User != "" {
		table.Append("User", j.User)
	}
	table.Append("Attempts", fmt.Sprintf("%d / %d", j.Attempts, j.MaxRetries))
	if j.WorkerID != "" {
		table.Append("Worker", j.WorkerID)
	}
	if p := j.Progress; p != nil {
		prog := fmt.Sprintf("%d%%", p.Percentage)
		if p.TotalItems > 0 {
			prog += fmt.Sprintf(" (%d/%d items)", p.ProcessedItems, p.TotalItems)
		}
		if p.CurrentOperation != "" {
			prog += " " + p.CurrentOperation
		}
		table.Append("Progress", prog)
	}
	table.Append("Created", humanize.Time(j.Timestamps.Created))
	if t := j.Timestamps.Started; t != nil {
		table.Append("Started", humanize.Time(*t))
	}
	if t := j.Timestamps.Completed; t != nil {
		table.Append("Completed", humanize.Time(*t))
		if s := j.Timestamps.Started; s != nil {
			table.Append("Duration", t.Sub(*s).Round(time.Millisecond).String())
		}
	}
	if j.NextAttemptAt != nil {
		table.Append("Next attempt", humanize.Time(*j.NextAttemptAt))
	}
	if j.RetryOf != "" {
		table.Append("Retry of", j.RetryOf)
	}
	if r := j.Result; r != nil {
		if r.Summary != "" {
			table.Append("Result", r.Summary)
		}
		if len(r.Failed) > 0 {
			table.Append("Failed items", strconv.Itoa(len(r.Failed)))
		}
	}
	if e := j.Error; e != nil {
		table.Append("Error", fmt.Sprintf("%s: %s", e.Kind, e.Message))
	}
	table.Append("Can retry", strconv.FormatBool(j.CanRetry))
	return table.Render()
}

func (c *cli) printJobList(res jobhub.ListResult) error {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Type", "Status", "Priority", "Progress", "Attempts", "Created")
	for _, j := range res.Jobs {
		prog := "-"
		if j.Progress != nil {
			prog = fmt.Sprintf("%d%%", j.Progress.Percentage)
		}
		table.Append(j.ID, j.Type, string(j.Status), string(j.Priority), prog,
			strconv.Itoa(j.Attempts), humanize.Time(j.Timestamps.Created))
	}
	if err := table.Render(); err != nil {
		return err
	}
	more := ""
	if res.HasMore {
		more = ", more available"
	}
	fmt.Fprintf(c.out, "\npage %d, %d of %s jobs%s\n", res.Page, len(res.Jobs), humanize.Comma(int64(res.Total)), more)
	return nil
}

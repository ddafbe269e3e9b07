package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/httpapi"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show system health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(h)
			}
			return c.printHealth(h)
		},
	}
}

func (c *cli) printHealth(h jobhub.SystemHealth) error {
	state := "healthy"
	if !h.Healthy {
		state = "unhealthy"
	}
	if h.Paused {
		state += ", paused"
	}
	fmt.Fprintf(c.out, "Score %.1f (%s)\n\n", h.OverallScore, state)

	table := tablewriter.NewWriter(c.out)
	table.Header("Area", "Metric", "Value")
	w, q, p := h.Workers, h.Queue, h.Processing
	table.Append("workers", "active / idle / total", fmt.Sprintf("%d / %d / %d", w.ActiveWorkers, w.IdleWorkers, w.TotalWorkers))
	table.Append("workers", "healthy", strconv.Itoa(w.HealthyWorkers))
	table.Append("workers", "utilization", fmt.Sprintf("%.0f%%", w.Utilization))
	table.Append("queue", "queued / running / delayed", fmt.Sprintf("%d / %d / %d", q.QueuedJobs, q.RunningJobs, q.DelayedJobs))
	for _, pr := range jobhub.AllPriorities {
		if n := q.ByPriority[pr]; n > 0 {
			table.Append("queue", "queued "+string(pr), strconv.Itoa(n))
		}
	}
	table.Append("queue", "avg wait", (time.Duration(q.AvgWaitMs) * time.Millisecond).String())
	table.Append("queue", "oldest wait", (time.Duration(q.OldestWaitMs) * time.Millisecond).String())
	table.Append("processing", "throughput", fmt.Sprintf("%.1f/min", p.Throughput))
	table.Append("processing", "error rate", fmt.Sprintf("%.1f%%", p.ErrorRate))
	table.Append("processing", "avg duration", (time.Duration(p.AvgProcessingMs) * time.Millisecond).String())
	table.Append("processing", "completed / failed", humanize.Comma(p.CompletedJobs)+" / "+humanize.Comma(p.FailedJobs))
	if hs := h.Host; hs != nil {
		table.Append("host", "memory", fmt.Sprintf("%.1f%%", hs.MemoryUsedPercent))
		table.Append("host", "cpu", fmt.Sprintf("%.1f%%", hs.CPUPercent))
	}
	if err := table.Render(); err != nil {
		return err
	}
	if len(h.Alerts) > 0 {
		fmt.Fprintln(c.out)
		return c.printAlerts(h.Alerts)
	}
	return nil
}

func (c *cli) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching queued jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client.Pause(cmd.Context()); err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(httpapi.PauseResponse{Paused: true})
			}
			fmt.Fprintln(c.out, "Dispatch paused")
			return nil
		},
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client.Resume(cmd.Context()); err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(httpapi.PauseResponse{Paused: false})
			}
			fmt.Fprintln(c.out, "Dispatch resumed")
			return nil
		},
	}
}

func (c *cli) workersCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:       "workers [start|scale|restart|health]",
		Short:     "Show or manage worker slots",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"start", "scale", "restart", "health"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.WorkerResponse
			if len(args) == 0 {
				ws, err := c.client.Workers(cmd.Context())
				if err != nil {
					return err
				}
				resp.Workers = ws
			} else {
				var n *int
				if cmd.Flags().Changed("count") {
					n = &count
				}
				var err error
				if resp, err = c.client.WorkerAction(cmd.Context(), args[0], n); err != nil {
					return err
				}
			}
			if c.jsonOutput() {
				return c.printJSON(resp)
			}
			if resp.Replaced > 0 {
				fmt.Fprintf(c.out, "Replaced %d unhealthy workers\n\n", resp.Replaced)
			}
			return c.printWorkers(resp.Workers)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "worker count for start and scale")
	return cmd
}

func (c *cli) printWorkers(ws []jobhub.WorkerInfo) error {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "State", "Job", "Healthy", "Completed", "Failed", "Heartbeat")
	for _, w := range ws {
		job := w.CurrentJob
		if job == "" {
			job = "-"
		}
		table.Append(w.ID, string(w.State), job, strconv.FormatBool(w.Healthy),
			strconv.Itoa(w.CompletedJobs), strconv.Itoa(w.FailedJobs), humanize.Time(w.LastHeartbeat))
	}
	return table.Render()
}

func (c *cli) alertsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			as, err := c.client.Alerts(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				open := as[:0]
				for _, a := range as {
					if !a.Acknowledged {
						open = append(open, a)
					}
				}
				as = open
			}
			if c.jsonOutput() {
				return c.printJSON(as)
			}
			return c.printAlerts(as)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include acknowledged alerts")
	return cmd
}

func (c *cli) ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.client.AcknowledgeAlert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(a)
			}
			fmt.Fprintf(c.out, "Alert %s acknowledged\n", a.ID)
			return nil
		},
	}
}

func (c *cli) printAlerts(as []jobhub.Alert) error {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Severity", "Kind", "Title", "When", "Ack")
	for _, a := range as {
		table.Append(a.ID, string(a.Severity), string(a.Kind), a.Title, humanize.Time(a.Timestamp), strconv.FormatBool(a.Acknowledged))
	}
	return table.Render()
}

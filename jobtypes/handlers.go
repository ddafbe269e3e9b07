package jobtypes

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/dustin/go-humanize"
)

func bulkAssignment(a Assigner) func(context.Context, BulkAssignment) error {
	return func(ctx context.Context, p BulkAssignment) error {
		jobhub.SetTotal(ctx, len(p.EmailIDs))
		jobhub.SetStep(ctx, 1, 1, "assigning emails to case "+p.CaseID)
		failed := 0
		for _, id := range p.EmailIDs {
			if err := jobhub.Checkpoint(ctx); err != nil {
				return err
			}
			if err := a.Assign(ctx, p.CaseID, id, p.AssignedBy); err != nil {
				failed++
				jobhub.RecordFailure(ctx, id, err)
				continue
			}
			jobhub.RecordSuccess(ctx, id)
		}
		if failed == len(p.EmailIDs) {
			return fmt.Errorf("all %d assignments to case %s failed", failed, p.CaseID)
		}
		jobhub.SetSummary(ctx, fmt.Sprintf("assigned %d of %d emails to case %s",
			len(p.EmailIDs)-failed, len(p.EmailIDs), p.CaseID))
		return nil
	}
}

// CleanupReport is the output of a storage cleanup job.
type CleanupReport struct {
	Cutoff     time.Time `json:"cutoff"`
	Matched    int       `json:"matched"`
	Removed    int       `json:"removed"`
	FreedBytes int64     `json:"freedBytes"`
	DryRun     bool      `json:"dryRun"`
}

func storageCleanup(c Cleaner, now func() time.Time) func(context.Context, StorageCleanup) error {
	return func(ctx context.Context, p StorageCleanup) error {
		cutoff := p.Cutoff(now())
		jobhub.SetStep(ctx, 1, 2, "listing objects")
		objs, err := c.ListBefore(ctx, p.Prefix, cutoff)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		jobhub.SetTotal(ctx, len(objs))
		jobhub.SetStep(ctx, 2, 2, "removing objects")

		rep := CleanupReport{Cutoff: cutoff, Matched: len(objs), DryRun: p.DryRun}
		for _, o := range objs {
			if err := jobhub.Checkpoint(ctx); err != nil {
				return err
			}
			if !p.DryRun {
				if err := c.Remove(ctx, o.Key); err != nil {
					jobhub.RecordFailure(ctx, o.Key, err)
					continue
				}
			}
			rep.Removed++
			rep.FreedBytes += o.Size
			jobhub.RecordSuccess(ctx, o.Key)
		}
		verb := "removed"
		if p.DryRun {
			verb = "would remove"
		}
		jobhub.SetSummary(ctx, fmt.Sprintf("%s %d of %d objects older than %s, %s",
			verb, rep.Removed, rep.Matched, humanize.Time(cutoff), humanize.IBytes(uint64(rep.FreedBytes))))
		return jobhub.SetResult(ctx, rep)
	}
}

// ExportReport is the output of a data export job.
type ExportReport struct {
	Format   string `json:"format"`
	Rows     int    `json:"rows"`
	Location string `json:"location"`
}

func dataExport(e Exporter, batch int) func(context.Context, DataExport) error {
	return func(ctx context.Context, p DataExport) error {
		jobhub.SetStep(ctx, 1, 3, "counting rows")
		total, err := e.Count(ctx, p)
		if err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		jobhub.SetTotal(ctx, total)
		jobhub.SetStep(ctx, 2, 3, "writing "+p.Format)

		written := 0
		for written < total {
			if err := jobhub.Checkpoint(ctx); err != nil {
				return err
			}
			n, err := e.WriteBatch(ctx, p, written, min(batch, total-written))
			if err != nil {
				return fmt.Errorf("write rows %d+: %w", written, err)
			}
			if n == 0 {
				break
			}
			written += n
			jobhub.SetProgress(ctx, jobhub.Progress{
				ProcessedItems:   written,
				TotalItems:       total,
				CurrentStep:      2,
				TotalSteps:       3,
				CurrentOperation: "writing " + p.Format,
			})
		}

		jobhub.SetStep(ctx, 3, 3, "publishing export")
		loc, err := e.Finish(ctx, p)
		if err != nil {
			return fmt.Errorf("finish export: %w", err)
		}
		jobhub.SetSummary(ctx, fmt.Sprintf("exported %s rows as %s", humanize.Comma(int64(written)), p.Format))
		return jobhub.SetResult(ctx, ExportReport{Format: p.Format, Rows: written, Location: loc})
	}
}

func contentAnalysis(a Analyzer) func(context.Context, ContentAnalysis) error {
	return func(ctx context.Context, p ContentAnalysis) error {
		jobhub.SetTotal(ctx, len(p.DocumentIDs))
		out := make(map[string]map[string]any, len(p.DocumentIDs))
		for i, id := range p.DocumentIDs {
			if err := jobhub.Checkpoint(ctx); err != nil {
				return err
			}
			jobhub.SetStep(ctx, i+1, len(p.DocumentIDs), "analyzing "+id)
			res, err := a.Analyze(ctx, id, p.Analyses)
			if err != nil {
				jobhub.RecordFailure(ctx, id, err)
				continue
			}
			out[id] = res
			jobhub.RecordSuccess(ctx, id)
		}
		if len(out) == 0 {
			return fmt.Errorf("analysis failed for all %d documents", len(p.DocumentIDs))
		}
		jobhub.SetSummary(ctx, fmt.Sprintf("analyzed %d of %d documents", len(out), len(p.DocumentIDs)))
		return jobhub.SetResult(ctx, out)
	}
}

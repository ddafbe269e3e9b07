package jobhub

import (
	"context"

	"github.com/UniQw/jobhub/internal/hctx"
)

// SetProgress replaces the progress of the running job. Processed items are
// clamped to the total and the percentage to 0..100.
// It is a no-op if the context is not provided by the jobhub runtime.
func SetProgress(ctx context.Context, p Progress) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	p.Normalize()
	st.UpdateProgress(func(cur *hctx.Progress) {
		*cur = hctx.Progress(p)
	})
}

// SetTotal declares how many sub-items the job will process.
func SetTotal(ctx context.Context, total int) {
	updateProgress(ctx, func(p *Progress) { p.TotalItems = total })
}

// SetStep reports the current step and a free text description of it.
func SetStep(ctx context.Context, step, totalSteps int, operation string) {
	updateProgress(ctx, func(p *Progress) {
		p.CurrentStep = step
		p.TotalSteps = totalSteps
		p.CurrentOperation = operation
	})
}

// RecordSuccess marks one sub-item as done and advances the processed count.
func RecordSuccess(ctx context.Context, itemID string) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.Succeed(itemID)
	updateProgress(ctx, func(p *Progress) { p.ProcessedItems++ })
}

// RecordFailure marks one sub-item as failed and advances the processed count.
// The job itself still completes; the failure is reported in its result.
func RecordFailure(ctx context.Context, itemID string, err error) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	st.Fail(itemID, msg)
	updateProgress(ctx, func(p *Progress) { p.ProcessedItems++ })
}

// SetSummary attaches a human readable summary to the job result.
func SetSummary(ctx context.Context, summary string) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.SetSummary(summary)
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the result output. It is safe to call multiple times; last wins.
// It is a no-op if the context is not provided by the jobhub runtime.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	b, err := defaultEncoder.Encode(v)
	if err != nil {
		return err
	}
	st.SetOutput(b)
	return nil
}

// Checkpoint returns nil while the job may keep running. Once the job is
// cancelled or its attempt timed out it returns ErrCancelled or ErrTimeout;
// handlers call it between sub-items and return the error as is.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// JobIDFrom returns the id of the job being executed.
func JobIDFrom(ctx context.Context) (string, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return "", false
	}
	return st.JobID, true
}

// AttemptFrom returns the attempt number of the running execution (1-based).
func AttemptFrom(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return 0
	}
	return st.Attempt
}

func updateProgress(ctx context.Context, fn func(*Progress)) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.UpdateProgress(func(cur *hctx.Progress) {
		p := Progress(*cur)
		p.Percentage = 0
		fn(&p)
		p.Normalize()
		*cur = hctx.Progress(p)
	})
}

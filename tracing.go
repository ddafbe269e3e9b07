package jobhub

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer resolves through the global provider on every call.
func tracer() trace.Tracer {
	return otel.Tracer("github.com/UniQw/jobhub")
}

func jobAttributes(j *Job, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", j.ID),
		attribute.String("job.type", j.Type),
		attribute.String("job.priority", string(j.Priority)),
		attribute.Int("job.attempt", j.Attempts),
		attribute.String("worker.id", workerID),
	}
}

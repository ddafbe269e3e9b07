// Package jobtypes is the catalogue of built-in job types: their payload
// schemas, submission-time validation and reference handlers.
//
// Handlers talk to the outside world only through small collaborator
// interfaces, so the same handlers run against a real case store, an
// object store or the in-process simulations in this package.
package jobtypes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/UniQw/jobhub"
)

// Job type names.
const (
	TypeBulkAssignment  = "bulk_assignment"
	TypeStorageCleanup  = "storage_cleanup"
	TypeDataExport      = "data_export"
	TypeContentAnalysis = "content_analysis"
)

// MaxBatchItems bounds the item lists of a single payload.
const MaxBatchItems = 5000

// BulkAssignment assigns a set of emails to a case.
type BulkAssignment struct {
	CaseID     string   `json:"caseId"`
	EmailIDs   []string `json:"emailIds"`
	AssignedBy string   `json:"assignedBy,omitempty"`
}

func (p *BulkAssignment) Validate() error {
	if strings.TrimSpace(p.CaseID) == "" {
		return errors.New("caseId is required")
	}
	return validateIDs("emailIds", p.EmailIDs)
}

// StorageCleanup removes stored objects older than a cutoff.
type StorageCleanup struct {
	Prefix        string `json:"prefix,omitempty"`
	OlderThanDays int    `json:"olderThanDays"`
	DryRun        bool   `json:"dryRun,omitempty"`
}

func (p *StorageCleanup) Validate() error {
	if p.OlderThanDays < 1 {
		return fmt.Errorf("olderThanDays must be at least 1, got %d", p.OlderThanDays)
	}
	return nil
}

// Cutoff returns the modification time before which objects are removed.
func (p *StorageCleanup) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.OlderThanDays)
}

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// DataExport exports the records of a case or a user.
type DataExport struct {
	Format string   `json:"format"`
	CaseID string   `json:"caseId,omitempty"`
	UserID string   `json:"userId,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

func (p *DataExport) Validate() error {
	switch p.Format {
	case "":
		p.Format = FormatCSV
	case FormatCSV, FormatJSON:
	default:
		return fmt.Errorf("unsupported export format %q", p.Format)
	}
	if p.CaseID == "" && p.UserID == "" {
		return errors.New("caseId or userId is required")
	}
	return nil
}

// Analysis kinds.
const (
	AnalysisSentiment = "sentiment"
	AnalysisKeywords  = "keywords"
	AnalysisSummary   = "summary"
	AnalysisEntities  = "entities"
)

var analysisKinds = []string{AnalysisSentiment, AnalysisKeywords, AnalysisSummary, AnalysisEntities}

// ContentAnalysis runs text analyses over a set of documents.
type ContentAnalysis struct {
	DocumentIDs []string `json:"documentIds"`
	Analyses    []string `json:"analyses,omitempty"`
}

func (p *ContentAnalysis) Validate() error {
	if err := validateIDs("documentIds", p.DocumentIDs); err != nil {
		return err
	}
	if len(p.Analyses) == 0 {
		p.Analyses = []string{AnalysisSentiment, AnalysisKeywords}
	}
	for _, a := range p.Analyses {
		if !slices.Contains(analysisKinds, a) {
			return fmt.Errorf("unknown analysis %q", a)
		}
	}
	return nil
}

func validateIDs(field string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%s must not be empty", field)
	}
	if len(ids) > MaxBatchItems {
		return fmt.Errorf("%s has %d entries, max %d", field, len(ids), MaxBatchItems)
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s has duplicate entry %q", field, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Assigner links an email to a case.
type Assigner interface {
	Assign(ctx context.Context, caseID, emailID, assignedBy string) error
}

// StoredObject is an object eligible for cleanup.
type StoredObject struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Cleaner lists and removes stored objects.
type Cleaner interface {
	ListBefore(ctx context.Context, prefix string, cutoff time.Time) ([]StoredObject, error)
	Remove(ctx context.Context, key string) error
}

// Exporter writes export rows in batches and publishes the finished export.
type Exporter interface {
	Count(ctx context.Context, req DataExport) (int, error)
	WriteBatch(ctx context.Context, req DataExport, offset, limit int) (int, error)
	Finish(ctx context.Context, req DataExport) (location string, err error)
}

// Analyzer runs the requested analyses over one document.
type Analyzer interface {
	Analyze(ctx context.Context, documentID string, analyses []string) (map[string]any, error)
}

// Deps are the collaborators of the built-in handlers. A nil collaborator
// leaves its job type unregistered.
type Deps struct {
	Assigner Assigner
	Cleaner  Cleaner
	Exporter Exporter
	Analyzer Analyzer
	// ExportBatchSize is the number of rows per exporter call. Defaults to 500.
	ExportBatchSize int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Register adds the built-in handlers to mux and returns the registered type names.
func Register(mux *jobhub.Mux, d Deps) []string {
	if d.ExportBatchSize <= 0 {
		d.ExportBatchSize = 500
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	var types []string
	if d.Assigner != nil {
		jobhub.HandleTyped(mux, TypeBulkAssignment, bulkAssignment(d.Assigner))
		types = append(types, TypeBulkAssignment)
	}
	if d.Cleaner != nil {
		jobhub.HandleTyped(mux, TypeStorageCleanup, storageCleanup(d.Cleaner, d.Now))
		types = append(types, TypeStorageCleanup)
	}
	if d.Exporter != nil {
		jobhub.HandleTyped(mux, TypeDataExport, dataExport(d.Exporter, d.ExportBatchSize))
		types = append(types, TypeDataExport)
	}
	if d.Analyzer != nil {
		jobhub.HandleTyped(mux, TypeContentAnalysis, contentAnalysis(d.Analyzer))
		types = append(types, TypeContentAnalysis)
	}
	return types
}

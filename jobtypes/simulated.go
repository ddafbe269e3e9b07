package jobtypes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by the in-memory collaborators for unknown ids.
var ErrNotFound = errors.New("not found")

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// MemoryCases is an in-memory Assigner. Emails listed in Reject fail to assign.
type MemoryCases struct {
	// Delay is spent on every assignment.
	Delay time.Duration

	mu       sync.Mutex
	assigned map[string]string
	reject   map[string]error
}

// NewMemoryCases creates an empty case store.
func NewMemoryCases() *MemoryCases {
	return &MemoryCases{assigned: map[string]string{}, reject: map[string]error{}}
}

// Reject makes assignments of emailID fail with err.
func (m *MemoryCases) Reject(emailID string, err error) {
	m.mu.Lock()
	m.reject[emailID] = err
	m.mu.Unlock()
}

func (m *MemoryCases) Assign(ctx context.Context, caseID, emailID, _ string) error {
	if err := sleep(ctx, m.Delay); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.reject[emailID]; ok {
		return err
	}
	m.assigned[emailID] = caseID
	return nil
}

// CaseOf returns the case an email is assigned to.
func (m *MemoryCases) CaseOf(emailID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.assigned[emailID]
	return c, ok
}

// MemoryObjects is an in-memory Cleaner.
type MemoryObjects struct {
	mu   sync.Mutex
	objs map[string]StoredObject
}

// NewMemoryObjects creates an object store holding objs.
func NewMemoryObjects(objs ...StoredObject) *MemoryObjects {
	m := &MemoryObjects{objs: make(map[string]StoredObject, len(objs))}
	for _, o := range objs {
		m.objs[o.Key] = o
	}
	return m
}

func (m *MemoryObjects) ListBefore(_ context.Context, prefix string, cutoff time.Time) ([]StoredObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredObject
	for _, o := range m.objs {
		if strings.HasPrefix(o.Key, prefix) && o.ModTime.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[key]; !ok {
		return fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	delete(m.objs, key)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryObjects) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objs)
}

// MemoryExporter is an Exporter over a fixed row count per case or user.
type MemoryExporter struct {
	// Rows maps a case or user id to its row count.
	Rows map[string]int
	// Delay is spent on every batch.
	Delay time.Duration
}

func (m *MemoryExporter) key(req DataExport) string {
	if req.CaseID != "" {
		return "case:" + req.CaseID
	}
	return "user:" + req.UserID
}

func (m *MemoryExporter) Count(_ context.Context, req DataExport) (int, error) {
	n, ok := m.Rows[m.key(req)]
	if !ok {
		return 0, fmt.Errorf("export source %s: %w", m.key(req), ErrNotFound)
	}
	return n, nil
}

func (m *MemoryExporter) WriteBatch(ctx context.Context, _ DataExport, _, limit int) (int, error) {
	if err := sleep(ctx, m.Delay); err != nil {
		return 0, err
	}
	return limit, nil
}

func (m *MemoryExporter) Finish(_ context.Context, req DataExport) (string, error) {
	return fmt.Sprintf("memory://exports/%s.%s", strings.ReplaceAll(m.key(req), ":", "-"), req.Format), nil
}

// KeywordAnalyzer is an Analyzer over in-memory document texts.
type KeywordAnalyzer struct {
	Docs map[string]string
}

var (
	positiveWords = []string{"thanks", "great", "resolved", "agree", "good"}
	negativeWords = []string{"urgent", "complaint", "breach", "late", "bad"}
)

func (k *KeywordAnalyzer) Analyze(_ context.Context, id string, analyses []string) (map[string]any, error) {
	text, ok := k.Docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	words := strings.Fields(strings.ToLower(text))
	out := make(map[string]any, len(analyses))
	for _, a := range analyses {
		switch a {
		case AnalysisSentiment:
			score := 0
			for _, w := range words {
				w = strings.Trim(w, ".,!?;:")
				if slices.Contains(positiveWords, w) {
					score++
				}
				if slices.Contains(negativeWords, w) {
					score--
				}
			}
			out[a] = score
		case AnalysisKeywords:
			out[a] = topWords(words, 5)
		case AnalysisSummary:
			s := text
			if len(s) > 120 {
				s = s[:120]
			}
			out[a] = s
		case AnalysisEntities:
			var ents []string
			for _, w := range strings.Fields(text) {
				w = strings.Trim(w, ".,!?;:")
				if len(w) > 1 && w[0] >= 'A' && w[0] <= 'Z' {
					ents = append(ents, w)
				}
			}
			out[a] = ents
		}
	}
	return out, nil
}

func topWords(words []string, n int) []string {
	counts := map[string]int{}
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:")
		if len(w) > 3 {
			counts[w]++
		}
	}
	keys := make([]string, 0, len(counts))
	for w := range counts {
		keys = append(keys, w)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Package searchtest provides an in-memory Backend for tests.
package searchtest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"reportlens/internal/search"
)

// Fake stores documents in memory. Search returns the stored documents in
// insertion order, honoring an ids clause and from/size, unless SearchFunc is
// set. Aggregations are not evaluated.
type Fake struct {
	mu      sync.Mutex
	indices map[string]map[string]json.RawMessage
	order   map[string][]string
	calls   map[string]int

	// Err, when set, is returned by every call.
	Err error
	// SearchFunc overrides Search.
	SearchFunc func(index string, body []byte) ([]byte, error)
	// Status is reported by ClusterHealth; defaults to green.
	Status string

	Queries [][]byte
}

func New() *Fake {
	return &Fake{
		indices: map[string]map[string]json.RawMessage{},
		order:   map[string][]string{},
		calls:   map[string]int{},
	}
}

var _ search.Backend = (*Fake)(nil)

func (f *Fake) record(op string) error {
	f.calls[op]++
	return f.Err
}

// Calls returns how many times op was called, or the total when op is empty.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op != "" {
		return f.calls[op]
	}
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *Fake) IndexExists(_ context.Context, index string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IndexExists"); err != nil {
		return false, err
	}
	_, ok := f.indices[index]
	return ok, nil
}

func (f *Fake) CreateIndex(_ context.Context, index string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateIndex"); err != nil {
		return err
	}
	if _, ok := f.indices[index]; ok {
		return search.ErrIndexExists
	}
	f.indices[index] = map[string]json.RawMessage{}
	return nil
}

func (f *Fake) IndexDocument(_ context.Context, index, id string, doc []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IndexDocument"); err != nil {
		return err
	}
	docs, ok := f.indices[index]
	if !ok {
		docs = map[string]json.RawMessage{}
		f.indices[index] = docs
	}
	if _, seen := docs[id]; !seen {
		f.order[index] = append(f.order[index], id)
	}
	docs[id] = append(json.RawMessage(nil), doc...)
	return nil
}

func (f *Fake) GetDocument(_ context.Context, index, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetDocument"); err != nil {
		return nil, err
	}
	doc, ok := f.indices[index][id]
	if !ok {
		return nil, search.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *Fake) Search(_ context.Context, index string, body []byte) ([]byte, error) {
	f.mu.Lock()
	if err := f.record("Search"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.Queries = append(f.Queries, append([]byte(nil), body...))
	fn := f.SearchFunc
	type hit struct {
		ID     string          `json:"_id"`
		Index  string          `json:"_index"`
		Source json.RawMessage `json:"_source"`
	}
	hits := []hit{}
	for _, id := range f.order[index] {
		hits = append(hits, hit{ID: id, Index: index, Source: f.indices[index][id]})
	}
	f.mu.Unlock()
	if fn != nil {
		return fn(index, body)
	}
	var resp struct {
		Hits struct {
			Total struct {
				Value    int    `json:"value"`
				Relation string `json:"relation"`
			} `json:"total"`
			Hits []hit `json:"hits"`
		} `json:"hits"`
	}
	if ids, ok := idsFilter(body); ok {
		kept := hits[:0]
		for _, h := range hits {
			if ids[h.ID] {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	resp.Hits.Total.Value = len(hits)
	resp.Hits.Total.Relation = "eq"
	resp.Hits.Hits = page(hits, body)
	return json.Marshal(resp)
}

func (f *Fake) Count(_ context.Context, index string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Count"); err != nil {
		return 0, err
	}
	return int64(len(f.indices[index])), nil
}

func (f *Fake) ClusterHealth(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ClusterHealth"); err != nil {
		return "", err
	}
	if f.Status == "" {
		return "green", nil
	}
	return f.Status, nil
}

// IDs returns the stored document ids of index, sorted.
func (f *Fake) IDs(index string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.indices[index]))
	for id := range f.indices[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// page applies the from/size window of a search body, if any.
func page[T any](hits []T, body []byte) []T {
	var window struct {
		From *int `json:"from"`
		Size *int `json:"size"`
	}
	if json.Unmarshal(body, &window) != nil {
		return hits
	}
	if window.From != nil {
		if *window.From >= len(hits) {
			return hits[:0]
		}
		if *window.From > 0 {
			hits = hits[*window.From:]
		}
	}
	if window.Size != nil && *window.Size >= 0 && *window.Size < len(hits) {
		hits = hits[:*window.Size]
	}
	return hits
}

// idsFilter finds an ids query anywhere in body. Other query clauses are
// not evaluated.
func idsFilter(body []byte) (map[string]bool, bool) {
	var q any
	if json.Unmarshal(body, &q) != nil {
		return nil, false
	}
	var walk func(v any) (map[string]bool, bool)
	walk = func(v any) (map[string]bool, bool) {
		switch t := v.(type) {
		case map[string]any:
			if clause, ok := t["ids"].(map[string]any); ok {
				values, _ := clause["values"].([]any)
				ids := map[string]bool{}
				for _, id := range values {
					if s, ok := id.(string); ok {
						ids[s] = true
					}
				}
				return ids, true
			}
			for _, child := range t {
				if ids, ok := walk(child); ok {
					return ids, true
				}
			}
		case []any:
			for _, child := range t {
				if ids, ok := walk(child); ok {
					return ids, true
				}
			}
		}
		return nil, false
	}
	return walk(q)
}

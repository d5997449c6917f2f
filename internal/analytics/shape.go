package analytics

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"sort"

	"reportlens/internal/domain"
)

// Each view decodes into its own response type. Missing or null branches
// decode to zero values, so shaping never has to probe unknown objects.

type countAgg struct {
	DocCount int64 `json:"doc_count"`
}

type valueAgg struct {
	Value *float64 `json:"value"`
}

func (v valueAgg) get() float64 {
	if v.Value == nil {
		return 0
	}
	return *v.Value
}

type suiteOverviewResponse struct {
	Aggregations struct {
		Tests struct {
			Suites struct {
				Buckets []struct {
					Key      string   `json:"key"`
					DocCount int64    `json:"doc_count"`
					Passed   countAgg `json:"passed"`
					Failed   countAgg `json:"failed"`
					Skipped  countAgg `json:"skipped"`
					Reports  struct {
						AvgDuration valueAgg `json:"avg_duration"`
					} `json:"reports"`
				} `json:"buckets"`
			} `json:"suites"`
		} `json:"tests"`
	} `json:"aggregations"`
}

type trendsResponse struct {
	Aggregations struct {
		Daily struct {
			Buckets []struct {
				KeyAsString string   `json:"key_as_string"`
				Key         int64    `json:"key"`
				Total       valueAgg `json:"total"`
				Passed      valueAgg `json:"passed"`
				Failed      valueAgg `json:"failed"`
				Skipped     valueAgg `json:"skipped"`
			} `json:"buckets"`
		} `json:"daily"`
	} `json:"aggregations"`
}

type durationResponse struct {
	Aggregations struct {
		Tests struct {
			Ranges struct {
				Buckets []struct {
					Key      string   `json:"key"`
					DocCount int64    `json:"doc_count"`
					Avg      valueAgg `json:"avg"`
					Max      valueAgg `json:"max"`
					Min      valueAgg `json:"min"`
				} `json:"buckets"`
			} `json:"ranges"`
			Overall struct {
				Count int64    `json:"count"`
				Avg   *float64 `json:"avg"`
				Max   *float64 `json:"max"`
				Min   *float64 `json:"min"`
			} `json:"overall"`
		} `json:"tests"`
	} `json:"aggregations"`
}

type termBucket struct {
	Key      string `json:"key"`
	DocCount int64  `json:"doc_count"`
}

type errorsResponse struct {
	Aggregations struct {
		Tests struct {
			Failed struct {
				Messages struct {
					Buckets []struct {
						Key      string `json:"key"`
						DocCount int64  `json:"doc_count"`
						Tests    struct {
							Buckets []termBucket `json:"buckets"`
						} `json:"tests"`
					} `json:"buckets"`
				} `json:"messages"`
			} `json:"failed"`
		} `json:"tests"`
	} `json:"aggregations"`
}

type flakyResponse struct {
	Aggregations struct {
		Tests struct {
			Names struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
					Statuses struct {
						Buckets []termBucket `json:"buckets"`
					} `json:"statuses"`
					Marked countAgg `json:"marked"`
				} `json:"buckets"`
			} `json:"names"`
		} `json:"tests"`
	} `json:"aggregations"`
}

type hitsResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string          `json:"_id"`
			Source    json.RawMessage `json:"_source"`
			InnerHits struct {
				Runs struct {
					Hits struct {
						Hits []struct {
							Source domain.Test `json:"_source"`
						} `json:"hits"`
					} `json:"hits"`
				} `json:"runs"`
			} `json:"inner_hits"`
		} `json:"hits"`
	} `json:"hits"`
}

// decode fills v from body. Type mismatches in individual branches leave
// those branches zero; only a body that is not JSON at all is an error.
func decode(body []byte, v any) error {
	err := json.Unmarshal(body, v)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return nil
	}
	return err
}

// pct returns num/den*100 rounded to two decimals, 0 when den is 0.
func pct(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return round2(num / den * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ShapeSuiteOverview(body []byte) ([]domain.SuiteOverview, error) {
	var r suiteOverviewResponse
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	out := make([]domain.SuiteOverview, 0, len(r.Aggregations.Tests.Suites.Buckets))
	for _, b := range r.Aggregations.Tests.Suites.Buckets {
		name := b.Key
		if name == "" {
			name = UncategorizedSuite
		}
		out = append(out, domain.SuiteOverview{
			Name:          name,
			Total:         b.DocCount,
			Passed:        b.Passed.DocCount,
			Failed:        b.Failed.DocCount,
			Skipped:       b.Skipped.DocCount,
			AvgDurationMs: round2(b.Reports.AvgDuration.get()),
		})
	}
	return out, nil
}

// ShapeTrends drops buckets whose total is zero.
func ShapeTrends(body []byte) ([]domain.TrendPoint, error) {
	var r trendsResponse
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	out := []domain.TrendPoint{}
	for _, b := range r.Aggregations.Daily.Buckets {
		total := int64(b.Total.get())
		if total == 0 {
			continue
		}
		passed := int64(b.Passed.get())
		out = append(out, domain.TrendPoint{
			BucketLabel: b.KeyAsString,
			Total:       total,
			Passed:      passed,
			Failed:      int64(b.Failed.get()),
			Skipped:     int64(b.Skipped.get()),
			PassRatePct: pct(float64(passed), float64(total)),
		})
	}
	return out, nil
}

func ShapeDuration(body []byte) (domain.DurationHistogram, error) {
	var r durationResponse
	if err := decode(body, &r); err != nil {
		return domain.DurationHistogram{Buckets: []domain.DurationBucket{}}, err
	}
	tests := r.Aggregations.Tests
	out := domain.DurationHistogram{Buckets: make([]domain.DurationBucket, 0, len(tests.Ranges.Buckets))}
	for _, b := range tests.Ranges.Buckets {
		out.Buckets = append(out.Buckets, domain.DurationBucket{
			RangeLabel: b.Key,
			Count:      b.DocCount,
			AvgMs:      round2(b.Avg.get()),
			MaxMs:      b.Max.get(),
			MinMs:      b.Min.get(),
		})
	}
	deref := func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return *v
	}
	out.Overall = domain.DurationStats{
		AvgMs: round2(deref(tests.Overall.Avg)),
		MaxMs: deref(tests.Overall.Max),
		MinMs: deref(tests.Overall.Min),
	}
	return out, nil
}

// ShapeErrors turns message buckets into groups. Buckets that normalize to the
// same message (an empty message and a missing one) are merged.
func ShapeErrors(body []byte) ([]domain.ErrorGroup, error) {
	var r errorsResponse
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	buckets := r.Aggregations.Tests.Failed.Messages.Buckets
	out := make([]domain.ErrorGroup, 0, len(buckets))
	index := map[string]int{}
	for _, b := range buckets {
		msg := b.Key
		if msg == "" {
			msg = UnknownError
		}
		i, seen := index[msg]
		if !seen {
			i = len(out)
			index[msg] = i
			out = append(out, domain.ErrorGroup{Message: msg, AffectedTestNames: []string{}})
		}
		g := &out[i]
		g.Count += b.DocCount
		for _, t := range b.Tests.Buckets {
			if len(g.AffectedTestNames) == maxAffectedTests {
				break
			}
			if !slices.Contains(g.AffectedTestNames, t.Key) {
				g.AffectedTestNames = append(g.AffectedTestNames, t.Key)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

// ShapeFlakyTests keeps candidates: tests seen with more than one status or
// explicitly marked flaky by any run. Sorted by score, then name.
func ShapeFlakyTests(body []byte) ([]domain.FlakyTest, error) {
	var r flakyResponse
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	out := []domain.FlakyTest{}
	for _, b := range r.Aggregations.Tests.Names.Buckets {
		distinct := 0
		ft := domain.FlakyTest{TestName: b.Key, TotalRuns: b.DocCount, IsMarkedFlaky: b.Marked.DocCount > 0}
		for _, s := range b.Statuses.Buckets {
			if s.DocCount == 0 {
				continue
			}
			distinct++
			switch s.Key {
			case domain.StatusPassed:
				ft.Passed = s.DocCount
			case domain.StatusFailed:
				ft.Failed = s.DocCount
			case domain.StatusSkipped:
				ft.Skipped = s.DocCount
			}
		}
		if distinct <= 1 && !ft.IsMarkedFlaky {
			continue
		}
		out = append(out, scoreFlaky(ft))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FlakyScorePct != out[j].FlakyScorePct {
			return out[i].FlakyScorePct > out[j].FlakyScorePct
		}
		return out[i].TestName < out[j].TestName
	})
	return out, nil
}

func scoreFlaky(ft domain.FlakyTest) domain.FlakyTest {
	ft.FlakyScorePct = pct(float64(ft.Failed), float64(ft.TotalRuns))
	ft.IsFlaky = ft.Passed > 0 && ft.Failed > 0
	return ft
}

// ShapeTestRuns flattens inner hits into one entry per matching test.
func ShapeTestRuns(body []byte, testName string) ([]domain.TestRun, error) {
	var r hitsResponse
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	out := []domain.TestRun{}
	for _, h := range r.Hits.Hits {
		var src struct {
			ReportID  string `json:"reportId"`
			Timestamp string `json:"timestamp"`
		}
		_ = decode(h.Source, &src)
		for _, ih := range h.InnerHits.Runs.Hits.Hits {
			t := ih.Source
			if t.Name != testName {
				continue
			}
			out = append(out, domain.TestRun{
				ReportID:   src.ReportID,
				Timestamp:  src.Timestamp,
				Status:     t.Status,
				DurationMs: t.Duration,
				Message:    t.Message,
				Flaky:      t.Flaky,
				Retries:    t.Retries,
			})
		}
	}
	return out, nil
}

// ReportPage is one page of the report listing.
type ReportPage struct {
	Reports    []domain.StoredReport `json:"reports"`
	Total      int64                 `json:"total"`
	Pagination domain.Pagination     `json:"pagination"`
}

// ShapeReports decodes hits into stored reports, keeping at most f.Size.
func ShapeReports(body []byte, f ReportFilter) (ReportPage, error) {
	f = f.Normalize()
	page := ReportPage{Reports: []domain.StoredReport{}}
	var r hitsResponse
	if err := decode(body, &r); err != nil {
		return page, err
	}
	for _, h := range r.Hits.Hits {
		if len(page.Reports) == f.Size {
			break
		}
		rep, ok := decodeReport(h.ID, h.Source)
		if !ok {
			continue
		}
		page.Reports = append(page.Reports, rep)
	}
	page.Total = r.Hits.Total.Value
	if page.Total < int64(len(page.Reports)) {
		page.Total = int64(len(page.Reports))
	}
	totalPages := int((page.Total + int64(f.Size) - 1) / int64(f.Size))
	page.Pagination = domain.Pagination{
		Page:       f.Page,
		Size:       f.Size,
		TotalPages: totalPages,
		HasNext:    f.Page < totalPages,
		HasPrev:    f.Page > 1,
	}
	return page, nil
}

// ShapeReport returns the hit whose id is id.
func ShapeReport(body []byte, id string) (domain.StoredReport, bool, error) {
	var r hitsResponse
	if err := decode(body, &r); err != nil {
		return domain.StoredReport{}, false, err
	}
	for _, h := range r.Hits.Hits {
		if h.ID != id {
			continue
		}
		rep, ok := decodeReport(h.ID, h.Source)
		return rep, ok, nil
	}
	return domain.StoredReport{}, false, nil
}

func decodeReport(id string, source json.RawMessage) (domain.StoredReport, bool) {
	var rep domain.Report
	if len(source) == 0 || json.Unmarshal(source, &rep) != nil {
		return domain.StoredReport{}, false
	}
	if rep.ReportID == "" {
		rep.ReportID = id
	}
	return rep.Stored(), true
}

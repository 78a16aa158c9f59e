package heatmap

import (
	"fmt"
	"sort"
	"time"
)

// SkipCause names why an in-region tile did not get a value.
type SkipCause string

const (
	SkipReadError  SkipCause = "read_error"
	SkipNoTissue   SkipCause = "no_tissue"
	SkipLabelError SkipCause = "label_error"
	SkipTimeout    SkipCause = "timeout"
)

// Failure is one tile that failed to read or label.
type Failure struct {
	Key    string    `json:"key"`
	Column int       `json:"-"`
	Row    int       `json:"-"`
	Cause  SkipCause `json:"cause"`
	Error  string    `json:"error"`
}

// Stats are the counters of one scan. Counters only cover fully processed
// rows, so a cancelled scan still reports a consistent prefix of the grid.
type Stats struct {
	Level        int               `json:"level"`
	Columns      int               `json:"columns"`
	Rows         int               `json:"rows"`
	RowsDone     int               `json:"rows_done"`
	Visited      int               `json:"visited"`
	InRegion     int               `json:"in_region"`
	TissuePassed int               `json:"tissue_passed"`
	Labeled      int               `json:"labeled"`
	Skipped      map[SkipCause]int `json:"skipped"`
	Failures     []Failure         `json:"failures,omitempty"`
	Cancelled    bool              `json:"cancelled,omitempty"`

	ElapsedMillis  int64   `json:"elapsed_ms"`
	AvgLabelMillis float64 `json:"avg_label_ms"`

	Elapsed   time.Duration `json:"-"`
	LabelTime time.Duration `json:"-"`
}

func newStats() *Stats {
	return &Stats{Skipped: make(map[SkipCause]int)}
}

// SkippedTotal returns the number of in-region tiles without a value.
func (s *Stats) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Failed returns the number of read, label and timeout failures.
func (s *Stats) Failed() int {
	return s.SkippedTotal() - s.Skipped[SkipNoTissue]
}

func (s *Stats) add(o *Stats, maxFailures int) {
	s.RowsDone += o.RowsDone
	s.Visited += o.Visited
	s.InRegion += o.InRegion
	s.TissuePassed += o.TissuePassed
	s.Labeled += o.Labeled
	s.LabelTime += o.LabelTime
	for c, n := range o.Skipped {
		s.Skipped[c] += n
	}
	for _, f := range o.Failures {
		if len(s.Failures) >= maxFailures {
			break
		}
		s.Failures = append(s.Failures, f)
	}
}

func (s *Stats) finish(elapsed time.Duration) {
	sort.SliceStable(s.Failures, func(i, j int) bool {
		a, b := s.Failures[i], s.Failures[j]
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Column < b.Column
	})
	s.Elapsed = elapsed
	s.ElapsedMillis = elapsed.Milliseconds()
	if s.Labeled > 0 {
		s.AvgLabelMillis = float64(s.LabelTime.Microseconds()) / 1000 / float64(s.Labeled)
	}
}

// Summary renders the final counters on one line.
func (s *Stats) Summary() string {
	return fmt.Sprintf("level %d: visited=%d in_region=%d tissue_passed=%d labeled=%d skipped=%d (failed=%d) elapsed=%s avg_label=%.2fms",
		s.Level, s.Visited, s.InRegion, s.TissuePassed, s.Labeled, s.SkippedTotal(), s.Failed(),
		s.Elapsed.Round(time.Millisecond), s.AvgLabelMillis)
}

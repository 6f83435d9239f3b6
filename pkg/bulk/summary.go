package bulk

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const DefaultMaxErrors = 100

// RunSummary is the aggregated outcome of one bulk or chunked run.
type RunSummary struct {
	RunID     string `json:"run_id"`
	GroupID   string `json:"group_id"`
	Tag       string `json:"tag"`
	Direction string `json:"direction"`

	SuccessCount   int `json:"success_count"`
	FailedCount    int `json:"failed_count"`
	TotalRequested int `json:"total_users"`
	Processed      int `json:"processed"`
	NoOps          int `json:"no_ops"`
	Skipped        int `json:"skipped"`
	Chunks         int `json:"chunks,omitempty"`

	Errors   []string      `json:"errors"`
	Duration time.Duration `json:"duration"`

	maxErrors int
}

func NewSummary(req membership.BulkRequest, maxErrors int) *RunSummary {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &RunSummary{
		RunID:          ksuid.New().String(),
		GroupID:        req.GroupID,
		Tag:            req.Tag,
		Direction:      req.Direction.String(),
		TotalRequested: len(req.PrincipalIDs),
		Errors:         []string{},
		maxErrors:      maxErrors,
	}
}

// AddError records msg unless the error list is already at capacity.
func (s *RunSummary) AddError(msg string) {
	if len(s.Errors) >= s.maxErrors {
		return
	}
	s.Errors = append(s.Errors, msg)
}

func (s *RunSummary) addResults(results []membership.OperationResult) {
	for _, r := range results {
		if r.Success {
			s.SuccessCount++
			continue
		}
		s.FailedCount++
		s.AddError(fmt.Sprintf("%s: %s", r.PrincipalID, r.Error))
	}
}

// Merge folds a chunk's summary into the running totals.
func (s *RunSummary) Merge(o *RunSummary) {
	s.SuccessCount += o.SuccessCount
	s.FailedCount += o.FailedCount
	s.Processed += o.Processed
	s.NoOps += o.NoOps
	s.Skipped += o.Skipped
	for _, e := range o.Errors {
		s.AddError(e)
	}
}

// FailRemaining marks every principal not already accounted for as failed.
func (s *RunSummary) FailRemaining(err error) {
	remaining := s.TotalRequested - s.SuccessCount - s.FailedCount - s.NoOps - s.Skipped
	if remaining > 0 {
		s.FailedCount += remaining
	}
	s.Processed = s.TotalRequested
	s.AddError(err.Error())
}

// Complete reports whether every requested principal ended up in the requested state.
func (s *RunSummary) Complete() bool {
	return s.FailedCount == 0 && s.Skipped == 0
}

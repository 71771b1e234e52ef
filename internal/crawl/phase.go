package crawl

import (
	"time"
)

// Phase is a stage of a crawl run.
type Phase int

const (
	Initializing Phase = iota
	Sampling
	Finalizing
	Done
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Sampling:
		return "sampling"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	}
	return "unknown"
}

// Result summarizes one run. Counters cover this run only.
type Result struct {
	RunID          string        `json:"run_id" yaml:"run_id"`
	Total          int           `json:"total" yaml:"total"`
	Start          int           `json:"start" yaml:"start"`
	Processed      int           `json:"processed" yaml:"processed"`
	Accepted       int           `json:"accepted" yaml:"accepted"`
	Duplicates     int           `json:"duplicates" yaml:"duplicates"`
	EmptyIDs       int           `json:"empty_ids" yaml:"empty_ids"`
	FailedPoints   int           `json:"failed_points" yaml:"failed_points"`
	DroppedResults int           `json:"dropped_results" yaml:"dropped_results"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
}

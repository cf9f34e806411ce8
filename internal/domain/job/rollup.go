package job

import "github.com/geocoder89/fleetrunner/internal/domain/execution"

type Summary string

const (
	SummaryEmpty   Summary = "EMPTY"
	SummarySuccess Summary = "SUCCESS"
	SummaryFailed  Summary = "FAILED"
	SummaryPartial Summary = "PARTIAL"
	SummaryQueued  Summary = "QUEUED"
	SummaryRunning Summary = "RUNNING"
	SummaryNew     Summary = "NEW"
)

// Summarize rolls a job's execution status histogram up into a single
// advisory state. The authoritative Job.Status is still written by the
// planner, runner and reject paths; this is what the read API reports.
func Summarize(counts map[execution.Status]int) Summary {
	total := 0
	for _, n := range counts {
		total += n
	}

	if total == 0 {
		return SummaryEmpty
	}

	done := counts[execution.StatusSuccess] +
		counts[execution.StatusFailed] +
		counts[execution.StatusCancelled] +
		counts[execution.StatusTimeout] +
		counts[execution.StatusBlocked]

	if done == total {
		switch {
		case counts[execution.StatusFailed] == 0 &&
			counts[execution.StatusBlocked] == 0 &&
			counts[execution.StatusTimeout] == 0:
			return SummarySuccess
		case counts[execution.StatusSuccess] == 0:
			return SummaryFailed
		default:
			return SummaryPartial
		}
	}

	if counts[execution.StatusQueued] > 0 {
		return SummaryQueued
	}

	if counts[execution.StatusRunning] > 0 {
		return SummaryRunning
	}

	return SummaryNew
}

package engine

import "github.com/promptgate/promptgate/pkg/policy"

// Verdict is the aggregated decision for one evaluation request.
type Verdict struct {
	// OverallScore is the minimum score among successfully evaluated
	// policies; the most conservative signal wins. 1.0 when nothing
	// was evaluated, 0.0 when everything evaluated failed.
	OverallScore float64

	// HasViolations is true iff at least one terminal result has
	// violation set.
	HasViolations bool

	// Status is blocked, completed, or failed per the aggregation rules.
	Status Status

	// BlockedBy is the id of the deciding block-action policy when
	// Status is blocked: highest severity wins, dispatch order breaks
	// ties.
	BlockedBy string
}

// Aggregate reduces per-policy results into one verdict. Pending
// entries (skipped by early exit) are excluded from every rule except
// that their presence keeps a total-failure verdict from applying.
func Aggregate(results []PolicyEvaluationResult) Verdict {
	v := Verdict{OverallScore: 1.0, Status: StatusCompleted}

	var (
		terminal    int
		failed      int
		scored      bool
		minScore    = 1.0
		blockedIdx  = -1
		blockedRank = -1
	)

	for i := range results {
		r := &results[i]
		if !r.Status.Terminal() {
			continue
		}
		terminal++

		if r.Violation {
			v.HasViolations = true
		}

		switch r.Status {
		case StatusFailed:
			failed++
		case StatusCompleted, StatusBlocked:
			scored = true
			if r.Score < minScore {
				minScore = r.Score
			}
		}

		if r.Violation && r.Action == policy.ActionBlock {
			if rank := r.Severity.Rank(); rank > blockedRank {
				blockedRank = rank
				blockedIdx = i
			}
		}
	}

	if terminal == 0 {
		// Nothing ran: either no candidate policies resolved, or the
		// request never got past resolution. Treat as a clean pass.
		return v
	}

	if scored {
		v.OverallScore = minScore
	} else {
		// No policy produced a usable score; the request is
		// indeterminate.
		v.OverallScore = 0.0
	}

	switch {
	case blockedIdx >= 0:
		v.Status = StatusBlocked
		v.BlockedBy = results[blockedIdx].PolicyID
	case failed == terminal:
		v.Status = StatusFailed
	default:
		v.Status = StatusCompleted
	}

	return v
}

package matcher

import "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"

type Outcome string

const (
	OutcomeLink      Outcome = "link"
	OutcomeUnmatched Outcome = "unmatched"
)

// Decision is the verdict for one position item.
type Decision struct {
	Outcome Outcome
	EntryID int64
	Score   float64
	// Tie is set when the runner-up scored within epsilon of the winner.
	// The index ranking still decides.
	Tie bool
}

// Decide applies the linking policy to ranked candidates. The first
// candidate wins; it is linked only when its score reaches threshold.
func Decide(cands []semindex.Candidate, threshold, epsilon float64) Decision {
	if len(cands) == 0 {
		return Decision{Outcome: OutcomeUnmatched}
	}
	best := cands[0]
	d := Decision{
		Outcome: OutcomeUnmatched,
		EntryID: best.EntryID,
		Score:   best.Score,
	}
	if len(cands) > 1 && best.Score-cands[1].Score <= epsilon {
		d.Tie = true
	}
	if best.Score >= threshold {
		d.Outcome = OutcomeLink
	}
	return d
}

// Package semindex defines the semantic index contract: a corpus of catalog
// texts replaced wholesale, queried by free text for ranked candidates.
package semindex

import "context"

type Document struct {
	ID   int64
	Text string
}

// Candidate is a ranked query hit. Score is in [0, 1].
type Candidate struct {
	EntryID int64   `json:"entry_id"`
	Score   float64 `json:"score"`
}

// Index is implemented by every semantic index backend.
//
// IndexCorpus replaces the whole corpus. Query returns at most topK
// candidates sorted by descending score; the order is authoritative for
// equal scores.
type Index interface {
	IndexCorpus(ctx context.Context, docs []Document) error
	Query(ctx context.Context, text string, topK int) ([]Candidate, error)
}

// ClampScore maps a similarity into [0, 1].
func ClampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

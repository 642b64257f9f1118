// Package memindex is an in-process semindex.Index. Similarity comes from a
// pluggable Scorer; the default is token-set Jaccard.
package memindex

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
)

// Scorer returns the similarity of query and document text in [0, 1].
type Scorer func(query, doc string) float64

type Index struct {
	mu      sync.RWMutex
	docs    []semindex.Document
	scorer  Scorer
	queries int

	// QueryErr and IndexErr inject failures. Tests set them before use.
	QueryErr func(text string) error
	IndexErr func(docs []semindex.Document) error
}

func New(scorer Scorer) *Index {
	if scorer == nil {
		scorer = Jaccard
	}
	return &Index{scorer: scorer}
}

var _ semindex.Index = (*Index)(nil)

func (x *Index) IndexCorpus(ctx context.Context, docs []semindex.Document) error {
	if x.IndexErr != nil {
		if err := x.IndexErr(docs); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = append([]semindex.Document(nil), docs...)
	return nil
}

// Query scores every document; ties keep ascending id order.
func (x *Index) Query(ctx context.Context, text string, topK int) ([]semindex.Candidate, error) {
	x.mu.Lock()
	x.queries++
	x.mu.Unlock()
	if x.QueryErr != nil {
		if err := x.QueryErr(text); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	docs := x.docs
	x.mu.RUnlock()

	out := make([]semindex.Candidate, 0, len(docs))
	for _, d := range docs {
		out = append(out, semindex.Candidate{EntryID: d.ID, Score: semindex.ClampScore(x.scorer(text, d.Text))})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntryID < out[j].EntryID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Queries reports how many Query calls were made.
func (x *Index) Queries() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.queries
}

func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Jaccard is |A∩B| / |A∪B| over lower-cased alphanumeric tokens.
func Jaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// Table returns a Scorer backed by fixed (query, doc) scores. Unlisted
// pairs score 0.
func Table(scores map[[2]string]float64) Scorer {
	return func(query, doc string) float64 {
		return scores[[2]string{query, doc}]
	}
}

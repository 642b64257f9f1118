package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPairIsOrderIndependent(t *testing.T) {
	assert.Equal(t, NewPair(1, 2), NewPair(2, 1))
	assert.Equal(t, Pair{Low: 3, High: 9}, MergeSuggestion{SourceEntryID: 9, TargetEntryID: 3}.Pair())
}

func TestPositionItemPending(t *testing.T) {
	linked := int64(4)
	tests := []struct {
		name    string
		item    PositionItem
		version int64
		want    bool
	}{
		{"unlinked", PositionItem{Status: StatusUnlinked}, 1, true},
		{"empty status", PositionItem{}, 1, true},
		{"linked", PositionItem{Status: StatusLinked, CatalogEntryID: &linked}, 5, false},
		{"unmatched same version", PositionItem{Status: StatusUnmatched, AttemptedVersion: 2}, 2, false},
		{"unmatched older version", PositionItem{Status: StatusUnmatched, AttemptedVersion: 1}, 2, true},
		{"failed older version", PositionItem{Status: StatusFailed, AttemptedVersion: 1}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.item.Pending(tt.version))
		})
	}
}

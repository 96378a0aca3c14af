package ingestion

import (
	"sync"

	"github.com/rpattn/ddfstore/internal/domain"
)

// Counts tallies the outcome of one data type.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	// Folded counts updates applied to versions written earlier in the same run.
	Folded  int `json:"folded"`
	Removed int `json:"removed"`
	// Missing counts updates and removes whose target was not found.
	Missing int `json:"missing"`
	// PreviouslyClosed counts removes of records already closed by the prior run.
	PreviouslyClosed int `json:"previouslyClosed"`
	Translated       int `json:"translated"`
	// TranslationsSkipped counts translations whose target was not found.
	TranslationsSkipped int `json:"translationsSkipped"`
	// EntitiesFoundInDatapoints counts entities created for undeclared dimension values.
	EntitiesFoundInDatapoints int `json:"entitiesFoundInDatapoints,omitempty"`
}

// Summary reports one import run.
type Summary struct {
	Dataset       string                     `json:"dataset"`
	TransactionID string                     `json:"transactionId"`
	Version       int64                      `json:"version"`
	Counts        map[domain.DataType]Counts `json:"counts"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeFolded
	outcomeRemoved
	outcomeMissing
	outcomePreviouslyClosed
	outcomeTranslated
	outcomeTranslationSkipped
	outcomeFoundInDatapoints
)

// recorder collects counts from concurrent pipelines.
type recorder struct {
	mu     sync.Mutex
	counts map[domain.DataType]*Counts
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[domain.DataType]*Counts)}
}

func (r *recorder) add(dataType domain.DataType, o outcome, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counts[dataType]
	if !ok {
		c = &Counts{}
		r.counts[dataType] = c
	}
	switch o {
	case outcomeCreated:
		c.Created += n
	case outcomeUpdated:
		c.Updated += n
	case outcomeFolded:
		c.Folded += n
	case outcomeRemoved:
		c.Removed += n
	case outcomeMissing:
		c.Missing += n
	case outcomePreviouslyClosed:
		c.PreviouslyClosed += n
	case outcomeTranslated:
		c.Translated += n
	case outcomeTranslationSkipped:
		c.TranslationsSkipped += n
	case outcomeFoundInDatapoints:
		c.EntitiesFoundInDatapoints += n
	}
}

func (r *recorder) snapshot() map[domain.DataType]Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.DataType]Counts, len(r.counts))
	for t, c := range r.counts {
		out[t] = *c
	}
	return out
}

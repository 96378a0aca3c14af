package ingestion

import (
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// ImportContext is the read-only state shared by every stage of one import
// run. Values are replaced, never modified: WithConcepts returns a copy.
type ImportContext struct {
	dataset          domain.Dataset
	transaction      domain.Transaction
	previousVersion  int64
	previousConcepts *resolution.ConceptIndex
	concepts         *resolution.ConceptIndex
	allConcepts      *resolution.ConceptIndex
	timeConcepts     map[string]domain.Concept
	options          Options
	// records serializes writers of one record across concurrent rows.
	records *keyedLocks
}

// NewImportContext builds the context of one run. previousConcepts is the
// concept snapshot of the prior transaction, concepts the one being written.
func NewImportContext(dataset domain.Dataset, tx domain.Transaction, previousConcepts, concepts *resolution.ConceptIndex, opts Options) ImportContext {
	all := resolution.Merge(previousConcepts, concepts)
	return ImportContext{
		dataset:          dataset,
		transaction:      tx,
		previousVersion:  tx.PreviousCreatedAt,
		previousConcepts: previousConcepts,
		concepts:         concepts,
		allConcepts:      all,
		timeConcepts:     all.TimeConcepts(),
		options:          opts.withDefaults(),
		records:          newKeyedLocks(),
	}
}

// WithConcepts returns a copy whose current concept snapshot is concepts.
func (c ImportContext) WithConcepts(concepts *resolution.ConceptIndex) ImportContext {
	next := NewImportContext(c.dataset, c.transaction, c.previousConcepts, concepts, c.options)
	next.records = c.records
	return next
}

func (c ImportContext) Dataset() domain.Dataset { return c.dataset }

func (c ImportContext) DatasetID() string { return c.dataset.ID }

func (c ImportContext) Transaction() domain.Transaction { return c.transaction }

// Version is the version every write of the run is stamped with.
func (c ImportContext) Version() int64 { return c.transaction.CreatedAt }

// PreviousVersion is the version of the prior transaction, 0 for a first import.
func (c ImportContext) PreviousVersion() int64 { return c.previousVersion }

func (c ImportContext) PreviousConcepts() *resolution.ConceptIndex { return c.previousConcepts }

func (c ImportContext) Concepts() *resolution.ConceptIndex { return c.concepts }

// AllConcepts overlays the current concepts on the previous ones.
func (c ImportContext) AllConcepts() *resolution.ConceptIndex { return c.allConcepts }

func (c ImportContext) TimeConcepts() map[string]domain.Concept { return c.timeConcepts }

func (c ImportContext) Options() Options { return c.options }

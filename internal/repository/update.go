package repository

import (
	"github.com/rpattn/ddfstore/internal/mquery"
)

// applyUpdate mutates doc in place.
func applyUpdate(doc mquery.Document, update Update) {
	for _, path := range mquery.SortedKeys(update.Set) {
		mquery.Set(doc, path, mquery.Normalize(update.Set[path]))
	}
	for _, path := range update.Unset {
		mquery.Unset(doc, path)
	}
}

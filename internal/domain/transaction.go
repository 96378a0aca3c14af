package domain

import "time"

// Transaction is one import run. CreatedAt is the version it writes.
type Transaction struct {
	ID                string    `json:"_id"`
	Dataset           string    `json:"dataset"`
	CreatedAt         int64     `json:"createdAt"`
	PreviousCreatedAt int64     `json:"previousCreatedAt,omitempty"`
	Commit            string    `json:"commit,omitempty"`
	IsClosed          bool      `json:"isClosed"`
	LastError         string    `json:"lastError,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
}

// NewTransaction stamps a transaction whose version is strictly greater than
// the previous one even when the wall clock has not advanced.
func NewTransaction(datasetID string, previous *Transaction, now time.Time) Transaction {
	version := now.UnixMilli()
	tx := Transaction{
		ID:        NewID(),
		Dataset:   datasetID,
		CreatedAt: version,
		StartedAt: now,
	}
	if previous != nil {
		tx.PreviousCreatedAt = previous.CreatedAt
		if tx.CreatedAt <= previous.CreatedAt {
			tx.CreatedAt = previous.CreatedAt + 1
		}
	}
	return tx
}

// WithError returns a copy recording a failure.
func (t Transaction) WithError(err error) Transaction {
	next := t
	if err != nil {
		next.LastError = err.Error()
	}
	return next
}

// Closed returns a copy marked as finished.
func (t Transaction) Closed() Transaction {
	next := t
	next.IsClosed = true
	return next
}

// IsIncremental reports whether the run applies on top of earlier history.
func (t Transaction) IsIncremental() bool {
	return t.PreviousCreatedAt > 0
}

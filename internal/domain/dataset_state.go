package domain

import (
	"slices"

	"github.com/rpattn/ddfstore/internal/errors"
)

// DatasetState tracks a dataset through import.
type DatasetState string

const (
	DatasetStateNonexistent      DatasetState = "nonexistent"
	DatasetStateInit             DatasetState = "init"
	DatasetStateValidating       DatasetState = "validating"
	DatasetStateValidated        DatasetState = "validated"
	DatasetStateFailedValidating DatasetState = "failed_validating"
	DatasetStateCloning          DatasetState = "cloning"
	DatasetStateFailedCloning    DatasetState = "failed_cloning"
	DatasetStateReady            DatasetState = "ready"
)

var datasetTransitions = map[DatasetState][]DatasetState{
	DatasetStateNonexistent:      {DatasetStateInit},
	DatasetStateInit:             {DatasetStateValidating, DatasetStateCloning},
	DatasetStateValidating:       {DatasetStateValidated, DatasetStateFailedValidating},
	DatasetStateValidated:        {DatasetStateCloning},
	DatasetStateFailedValidating: {DatasetStateValidating},
	DatasetStateCloning:          {DatasetStateReady, DatasetStateFailedCloning},
	DatasetStateFailedCloning:    {DatasetStateCloning, DatasetStateValidating},
	DatasetStateReady:            {DatasetStateValidating, DatasetStateCloning},
}

// CanTransition reports whether a dataset may move from s to next.
func (s DatasetState) CanTransition(next DatasetState) bool {
	return slices.Contains(datasetTransitions[s], next)
}

// Transition returns next, or an error when the move is not allowed.
func (s DatasetState) Transition(next DatasetState) (DatasetState, error) {
	if !s.CanTransition(next) {
		return s, errors.Newf("dataset cannot move from %s to %s", s, next)
	}
	return next, nil
}

// IsFailed reports whether the last import left the dataset unusable.
func (s DatasetState) IsFailed() bool {
	return s == DatasetStateFailedValidating || s == DatasetStateFailedCloning
}

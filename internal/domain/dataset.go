package domain

import "time"

// Dataset groups every version of every record imported under one name.
type Dataset struct {
	ID          string       `json:"_id"`
	Name        string       `json:"name"`
	Path        string       `json:"path,omitempty"`
	Branch      string       `json:"branch,omitempty"`
	Commit      string       `json:"commit,omitempty"`
	Private     bool         `json:"private"`
	AccessToken string       `json:"accessToken,omitempty"`
	State       DatasetState `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// NewDataset creates a dataset record in the init state.
func NewDataset(name string, private bool, accessToken string) Dataset {
	return Dataset{
		ID:          NewID(),
		Name:        name,
		Private:     private,
		AccessToken: accessToken,
		State:       DatasetStateInit,
		CreatedAt:   time.Now().UTC(),
	}
}

// CanBeAccessedWith reports whether a request carrying token may read the dataset.
// Public datasets are readable by anyone; private ones need the exact non-empty token.
func (d Dataset) CanBeAccessedWith(token string) bool {
	if !d.Private {
		return true
	}
	return token != "" && d.AccessToken != "" && token == d.AccessToken
}

// WithState returns a copy in the given state.
func (d Dataset) WithState(state DatasetState) Dataset {
	next := d
	next.State = state
	return next
}

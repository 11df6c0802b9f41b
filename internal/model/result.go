package model

// CityStatus is the terminal state of one city within a run.
type CityStatus string

const (
	StatusSuccess         CityStatus = "success"
	StatusFetchFailed     CityStatus = "fetch_failed"
	StatusTransformFailed CityStatus = "transform_failed"
	StatusLoadFailed      CityStatus = "load_failed"
)

// CityOutcome pairs a city's terminal status with the error that caused it.
// Err is nil for StatusSuccess.
type CityOutcome struct {
	Status CityStatus
	Err    error
}

// RunResult aggregates per-city outcomes for one run. Fatal is non-nil when
// the whole run was aborted by a configuration problem (e.g. an invalid API
// key); cities not reached before the abort are absent from Outcomes.
type RunResult struct {
	Outcomes map[string]CityOutcome
	Fatal    error
}

// Success reports whether every configured city reached StatusSuccess.
func (r *RunResult) Success() bool {
	if r.Fatal != nil || len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// Partial reports whether at least one city succeeded and at least one failed.
func (r *RunResult) Partial() bool {
	if r.Fatal != nil {
		return false
	}
	var ok, failed bool
	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			ok = true
		} else {
			failed = true
		}
	}
	return ok && failed
}

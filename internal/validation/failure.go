package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches any *Failure via errors.Is.
var ErrValidation = errors.New("validation failed")

// Failure is raised when a lifecycle event collected at least one error
// result. Results holds every result of the event, warnings included, in
// listener order.
type Failure struct {
	Event   string
	Results []Result
}

func NewFailure(event string, results []Result) *Failure {
	cp := make([]Result, len(results))
	copy(cp, results)
	return &Failure{Event: event, Results: cp}
}

func (f *Failure) Error() string {
	errs := Filter(f.Results, SeverityError)
	parts := make([]string, 0, len(errs))
	for _, r := range errs {
		parts = append(parts, strings.Join(r.messages, "; "))
	}
	return fmt.Sprintf("%s: %s (%d error(s), %d warning(s)): %s",
		ErrValidation.Error(), f.Event, len(errs), len(f.Results)-len(errs), strings.Join(parts, "; "))
}

func (f *Failure) Unwrap() error {
	return ErrValidation
}

// ResultsOf extracts the result list from a *Failure anywhere in err's chain.
func ResultsOf(err error) ([]Result, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Results, true
	}
	return nil, false
}

package threadspec

import (
	"errors"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

// Chain tries its lookups in order and returns the first match. When none
// matches, the first real failure is returned, ErrSpecificsNotFound
// otherwise.
type Chain []target.SpecificsLookup

func (c Chain) LookupSpecifics(mem target.Memory, ctx target.ThreadContext) (target.ThreadSpecifics, error) {
	var firstErr error
	for _, l := range c {
		ts, err := l.LookupSpecifics(mem, ctx)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, target.ErrSpecificsNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return target.ThreadSpecifics{}, firstErr
	}
	return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
}

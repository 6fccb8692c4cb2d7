package expressions

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ApplyMapping evaluates each jq expression of an edge mapping against the
// source node's output. Variables whose expression fails are left out and the
// failures are returned together; the successful ones are still returned.
func (e *GoJQEngine) ApplyMapping(ctx context.Context, mapping map[string]string, source any) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make(map[string]any, len(mapping))
	var errs []error
	for _, name := range names {
		v, err := e.EvaluateValue(ctx, mapping[name], source)
		if err != nil {
			errs = append(errs, fmt.Errorf("mapping %q: %w", name, err))
			continue
		}
		vars[name] = v
	}
	return vars, errors.Join(errs...)
}

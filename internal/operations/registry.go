// Package operations holds the static registry of arithmetic operations
// bots can execute. The coordinator validates job payloads against the
// same registry the agents execute from.
package operations

import (
	"fmt"
	"sort"

	"github.com/gridworks/dispatch/internal/domain"
)

// Func executes a single operation over two operands.
type Func func(a, b int64) (int64, error)

var registry = map[string]Func{
	"sum":      func(a, b int64) (int64, error) { return a + b, nil },
	"subtract": func(a, b int64) (int64, error) { return a - b, nil },
	"multiply": func(a, b int64) (int64, error) { return a * b, nil },
	"divide": func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, domain.ErrDivisionByZero
		}
		return a / b, nil
	},
}

// Names returns the registered operation names in stable order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnown reports whether name is a registered operation.
func IsKnown(name string) bool {
	_, ok := registry[name]
	return ok
}

// Execute runs the named operation. Unknown names return
// domain.ErrUnknownOperation.
func Execute(name string, a, b int64) (int64, error) {
	fn, ok := registry[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, name)
	}
	return fn(a, b)
}

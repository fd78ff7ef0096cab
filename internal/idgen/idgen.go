// Package idgen wraps the UUID generator so identifiers can be stubbed in tests.
package idgen

import "github.com/google/uuid"

// NewFunc produces identifiers. Tests may replace it.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new globally unique identifier.
func New() string { return NewFunc() }

// Prefixed returns a new identifier with a readable prefix, e.g. "apr_<uuid>".
func Prefixed(prefix string) string { return prefix + "_" + NewFunc() }

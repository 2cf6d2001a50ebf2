package gpu

import (
	"fmt"

	"go.uber.org/multierr"
)

// Scope is a stack of release functions. Release runs them in reverse
// order of registration, every one of them, and joins their errors.
type Scope struct {
	releases []release
}

type release struct {
	name string
	fn   func() error
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Defer registers fn to run on Release.
func (s *Scope) Defer(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Len returns the number of pending releases.
func (s *Scope) Len() int {
	return len(s.releases)
}

// Release runs pending releases in LIFO order. A second call is a no-op.
func (s *Scope) Release() error {
	var err error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if rerr := r.fn(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s: %w", r.name, rerr))
		}
	}
	s.releases = nil
	return err
}

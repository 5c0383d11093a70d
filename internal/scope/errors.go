package scope

import "errors"

var (
	// ErrScopeClosed is returned when a mutation targets a closed scope.
	ErrScopeClosed = errors.New("scope is closed")

	// ErrScopeAlreadyClosed is returned on a second Close of the same scope.
	ErrScopeAlreadyClosed = errors.New("scope already closed")

	// ErrScopeOpen is returned when compression is applied before Close.
	ErrScopeOpen = errors.New("cannot compress open scope")
)

package importer

import "github.com/moznion/go-optional"

// OptionalFirst returns the first element of s, or None for an empty slice.
func OptionalFirst[S ~[]E, E any](s S) optional.Option[E] {
	if len(s) == 0 {
		return optional.None[E]()
	}
	return optional.Some(s[0])
}

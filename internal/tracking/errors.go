package tracking

import "errors"

// ErrSubscriberNotFound is returned by subscriber stores when no row matches.
var ErrSubscriberNotFound = errors.New("subscriber not found")

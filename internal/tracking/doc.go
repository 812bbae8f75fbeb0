// Package tracking serves the public-facing engagement endpoints: the open
// pixel, the click redirect, and the unsubscribe page. Every request is
// authorized by a signed token; opens fail open (the pixel is always served)
// while clicks and unsubscribes fail closed.
package tracking

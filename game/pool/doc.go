// Package pool manages the fixed arena of tanks shared by every session.
//
// All tanks are created up front. Acquire pops the most recently released
// tank (LIFO), resets it and activates it; Release resets it and pushes it
// back. At every observable point Available()+InUse() == Capacity().
//
// The pool takes a single mutex per call and never calls into other
// components while holding it, apart from the tank's own telemetry
// publisher, which must not block.
package pool

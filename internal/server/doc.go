// Package server hosts the Fiber HTTP service, the request middleware chain
// and the route registry that maps a request Host onto a cache route: the
// resolved rule, the engine serving its mode and, for cache routes, the
// parsed upstream. Diagnostics live under /-/ and bypass host routing.
package server

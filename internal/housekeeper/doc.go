// Package housekeeper runs the periodic maintenance of every cache engine:
// index cleanup, ring reclamation, disk garbage collection, disk reload and
// the ring to disk saver. Each phase is bounded by a step quota and a
// wall-clock budget so maintenance never starves request handling, and only
// one tick runs at a time.
package housekeeper

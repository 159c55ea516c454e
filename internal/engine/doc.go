// Package engine ties the keyed index, the ring store and the disk store
// together behind one lifecycle protocol: Exists, Create, Update, Finish,
// Abort and Delete. One Engine is built per mode (cache and nosql) at
// startup, each backed by its own shared segment, and handed to the
// transport layer explicitly.
//
// Every call resolves into a per-request State instead of an error unwinding
// past the engine. Hits are served through a Reader whose Step pulls blocks
// into a transport Sink and suspends whenever the sink has no room. The
// maintenance steps (CleanDict, CleanData, CleanDisk, LoadDisk, SaveDisk)
// are driven by the housekeeper.
package engine

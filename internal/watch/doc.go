// Package watch implements the watchers that stand for blocked or
// registered space operations, and the index that finds which of them care
// about an entry's change of status.
//
// A Transition describes one change of one entry: it became available
// (takeable), visible (readable), new, or left the space. The journal
// hands each transition, with its ordinal, to Index.Broadcast, which walks
// the template groups of the entry's exact type, each of its supertypes and
// the wildcard type, and returns the interested watchers ordered by their
// OrderKey. The journal then offers the entry to them in that order.
//
// Watcher variants:
//
//	Read          null-transaction read; resolves with the first visible match
//	Consuming     take, or read under a transaction; resolves on capture
//	IfExists      read/take if exists; also resolves with nothing once every
//	              matching entry locked at start has gone away
//	Event         notify registration; queues a remote event per new entry
//	Availability  availability registration; queues an event per entry that
//	              becomes available (or visible)
//
// Lock order: a watcher's mutex may be held while taking an entry handle's
// mutex (capture), never the reverse. Template handle mutexes are held only
// while collecting or detaching watchers and never while calling into one,
// except for IsInterested, which reads only immutable fields and atomics.
package watch

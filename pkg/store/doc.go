/*
Package store holds the replicated room document.

The document is a fixed set of named regions built from pkg/crdt types:

	doc         text  the shared source code
	room        map   ownerId
	roles       map   identity -> viewer|editor
	run         map   the run record (plus schema version)
	run:stdout  text  output of the current run
	run:stderr  text  errors of the current run
	runs        list  bounded run history

Local writes happen inside Mutate and are emitted as exactly one update per
transaction. Remote updates are merged with ApplyRemoteUpdate, which is
idempotent and order independent.

Notifications are delivered after the store lock is released and in commit
order. Region observers only fire for commits touching their region, so run
bookkeeping never wakes document observers. A handler that mutates the store
again is safe: the resulting notification is queued behind the current one.
Handlers may run on whichever goroutine is draining the queue, so anything
that takes its own locks should hand work off instead of blocking.
*/
package store

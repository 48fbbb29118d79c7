// Package runner coordinates one shared code run per room.
//
// The run record in the store is a replicated state machine:
//
//	idle -> starting -> running -> finished | error | canceled
//
// Any editor of a synced peer may start a run when none is busy. The peer
// that admitted the run executes it in a sandbox and streams phases and
// output into the record and the output regions; all other peers only
// observe. A watchdog fails runs whose sandbox goes quiet, and a per-language
// wall clock bounds every run. Terminal states are never overwritten by
// late sandbox events.
package runner

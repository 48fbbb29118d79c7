// Package sandbox runs untrusted snippets outside the peer loop.
//
// A Runner starts an Execution, which reports progress as an ordered stream
// of phase, stdout, stderr and exactly one terminal finished or error event.
// Terminate stops the program; a terminated execution closes its stream
// without a terminal event.
//
// Two runners are provided: ProcessRunner launches a local interpreter in a
// temporary directory, ContainerdRunner runs the interpreter image in a
// containerd task with a read-only source mount, a memory limit and no
// network.
package sandbox

// Package machine executes tape programs. A Machine owns a fixed 30000-cell
// tape and a cursor, walks a compiled instruction list under an iteration
// budget, and exchanges bytes with its environment through a pair of pipes.
// Programs run either synchronously over pre-loaded input (Run) or on their
// own goroutine with live input and output handles (Spawn).
package machine

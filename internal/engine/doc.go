// Package engine provides the asynchronous run execution engine.
// It orchestrates the run lifecycle by resolving a backend for the requested
// mode, enforcing timeouts via context deadlines, relaying input to
// interactive runs, and recording output and outcomes in the store as the
// run progresses.
package engine

// Package backend defines the common interface that run-mode backends
// implement, the registry that picks one for a requested mode, and the types
// exchanged between the execution engine and backend implementations.
package backend

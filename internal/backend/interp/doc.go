// Package interp provides the in-process interpreter backends: batch mode,
// which runs a program against pre-loaded input, and stream mode, which runs
// it concurrently with live input and output conduits.
package interp

package interp

import "github.com/seantiz/anvil/internal/model"

// Backend names used when registering with the backend registry.
const (
	BatchName  = model.ModeBatch
	StreamName = model.ModeStream
)

// DefaultChunkSize is the largest output chunk the stream backend hands to
// an OutputWriter in one call.
const DefaultChunkSize = 4096

// SupportedModes lists the run modes served by this package.
var SupportedModes = []string{model.ModeBatch, model.ModeStream}

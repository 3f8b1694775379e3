package parent

import "go.olrik.dev/lattice/internal/core"

// version is advertised to children in the preamble keyword bundle.
var version = core.Version

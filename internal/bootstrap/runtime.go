package bootstrap

import _ "embed"

// DefaultRuntime is the child-side runtime source shipped with the parent.
// It implements just enough of the peer protocol for a child to come up,
// read frames from its parent, and exit on SHUTDOWN (the EC0/EC1 handshake
// markers come from the first stage, not from here); deployments embedding a fuller
// runtime pass their own source to Preamble instead.
//
//go:embed runtime/core.py
var DefaultRuntime string

// Package types defines the OpenAI-compatible wire types and the shared
// error values exchanged between the rotator core, the provider adapters,
// and the HTTP surface.
package types

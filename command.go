// Package pipelinekit is the module root: Command and Result are
// caller-defined types (any concrete Go type satisfies them — they
// exist only to name the two halves of the contract in spec.md §3.1),
// and Handler is the generic-at-the-edge adapter that lets the boxed
// any/any chain in package middleware carry strongly-typed payloads
// without the core ever needing generic methods (which Go disallows).
package pipelinekit

// Command marks a type as routable through a Pipeline. It carries no
// methods: any Go type — typically a small struct — can be a Command.
type Command any

// Result marks a type as a Handler's return value, for the same reason
// Command carries no methods.
type Result any

// Package identity derives the deterministic dataset identity from
// normalized processing parameters.
//
// The identity is a short sha256 truncation over a canonical JSON encoding,
// used both as a path segment and as the traceability key that links
// downstream analysis artifacts back to the exact dataset they came from.
// Two runs with the same normalized parameters always produce the same
// identity, which is what makes resume detection possible.
package identity

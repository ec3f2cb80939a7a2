// Package preflight provides readiness checks for the external fitting
// engine and the filesystem paths a processing run depends on.
//
// The CLI runs RunAll before starting a run: a frame series can take hours
// to process, and a missing binary or unwritable output root should fail
// immediately rather than partway through.
package preflight

// Package services defines the sentinel error taxonomy shared by every
// pipeline component and the collaborator clients beneath it.
//
// Errors are classified once, where they happen, by wrapping them with a
// marker sentinel. The pipeline consults the markers to decide whether a
// failure aborts the run (configuration), is worth resubmitting to another
// worker slot (infrastructure), or is terminal for a single cell
// (convergence). Keep new failure modes within this taxonomy rather than
// inventing parallel classification schemes.
package services

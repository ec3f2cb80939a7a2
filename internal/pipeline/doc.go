// Package pipeline orchestrates a processing run: validate the recipe,
// enumerate frames, pick the execution mode, fan frame tasks out over the
// pool, reduce results into the 4D dataset, and persist the chunked store.
//
// Only configuration errors abort a run. Frame infrastructure failures are
// resubmitted a bounded number of times and then recorded as missing; fit
// convergence failures blank single cells; chunk write failures degrade to
// a dataset-level warning.
package pipeline

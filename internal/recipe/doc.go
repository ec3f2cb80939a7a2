// Package recipe models the job specification for one processing run.
//
// A recipe is authored externally as a JSON document and loaded exactly once
// per run. Parse validates every invariant the pipeline relies on — bin
// divisibility, non-empty frame range, ordered fit windows — and reports
// failures with field-level errors before any frame is touched. After Load
// returns, the recipe is treated as immutable everywhere.
package recipe

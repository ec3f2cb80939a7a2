// Package fitkit wraps the external peak-fitting engine behind the Engine
// interface. Each invocation fits one peak in one azimuthal bin's pattern;
// non-convergence comes back as services.ErrConvergence, which is terminal
// for that cell and never retried.
package fitkit

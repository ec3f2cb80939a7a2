// Package pool distributes frame tasks over workers and adapts the
// concurrency model to the execution environment.
//
// Local mode runs a goroutine pool in-process. Cluster mode, detected from
// rank environment variables set by the launcher, runs a rank-0 coordinator
// serving tasks over JSON-RPC/TCP while the other ranks pull, process and
// push results. A malformed cluster context falls back to local mode with a
// warning rather than aborting the run.
package pool

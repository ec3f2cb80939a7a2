// Package runledger keeps a SQLite record of processing runs: what was
// requested, what completed, where the dataset landed, and which frames a
// dataset identity has already seen. The completed-frame record is what
// lets a restarted run skip work it already did.
package runledger

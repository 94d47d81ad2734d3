// Package governance audits and enforces mutation discipline over entity
// state without ever mutating that state itself.
//
// It provides three channels:
//
//   - an authorization channel: the commit applier holds the single issued
//     Authority handle and announces every write it performs, which the
//     monitor records in a bounded per-subject log for diagnostics;
//   - a violation channel: write attempts without the issued handle are
//     recorded in an append-only violation log and, in strict mode, rejected;
//   - a transaction lifecycle: named operations open a process-wide
//     transaction whose mutation and recomputation counts are checked
//     against a per-operation invariant policy at close.
//
// The monitor is an explicitly constructed, dependency-injected service.
// Construct one per process and pass it by reference.
package governance

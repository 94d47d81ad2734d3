// Package sheet models the character sheet: abilities, hit points, the
// persisted progression record, and auxiliary grant records.
//
// The sheet is the single committed state the rest of the engine reads and
// proposes writes to. All mutation flows through flattened field updates so
// preview simulation and commit application share one code path.
package sheet

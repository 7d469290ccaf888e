// Package task defines the unit of work handed to the engine by watchers and
// triggers, and loads task documents from disk.
//
// Invariants:
// - Loading never guesses missing fields; routing decides what a missing field means.
// - Documents are schema-checked for structure only, so unknown enum values survive
//   to the classifier, which treats them as ambiguous.
package task

// Package scheduler drives the recurring polls.
//
// Every poll definition gets two independent loops, one per event kind.
// A loop computes the next occurrence of its rule, sleeps until then,
// fires, and re-arms one cycle ahead. Firings of one definition are
// serialized by a per-definition lock so a close always observes the
// instance its preceding open recorded. Firing errors are logged and never
// end a loop.
//
// Incoming poll answers are merged into the open instance through the
// store and trigger a debounced live roster edit.
package scheduler

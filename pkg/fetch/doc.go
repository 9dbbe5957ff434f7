// Package fetch implements the escalating per-entity fetch of time-windowed
// records.
//
// An entity is first asked for the whole window in one call. If that call
// times out the entity is marked slow and the window is walked in
// chronological chunks, starting at one hour. A chunk that exhausts its
// retries is halved and the same range is tried again, down to a quarter
// hour; at that size a failing chunk is skipped. Entities that report they
// cannot serve the query are blacklisted for the rest of the run.
//
// Strategy.Fetch is a step function: it takes the entity state, returns an
// Outcome carrying the records and the new state, and never fails. The
// Registry folds outcomes from concurrent fetches into the run-wide state.
package fetch

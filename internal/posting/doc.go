// Package posting owns the account registry and the per-account posting
// units. The registry is the single source of truth for posting
// configuration; creating a record spawns exactly one posting unit under
// the registry supervisor and removing it stops exactly that unit.
//
// A unit re-reads its account's configuration from the registry on every
// cycle and before every destination, so edits take effect without
// restarting anything: a toggle-off aborts the remaining destinations of an
// in-flight cycle before the next send.
package posting

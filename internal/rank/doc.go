// Package rank defines the types, interfaces, and error taxonomy shared by the
// rank-checking subsystems: the lock manager, the worker pool, the resolution
// engine, and the page extractors.
package rank

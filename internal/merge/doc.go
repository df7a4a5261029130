// Package merge runs background k-way merges of index segments.
//
// A Policy plans contiguous generation runs per level; the Scheduler runs
// the tasks of one level in parallel, bounded by the partition's worker
// count and the resource controller's background slots, and commits each
// output with a single manifest save.
package merge

// Package ingest provides the worker pool that dictionary columns share for
// parallel batch ingestion, and a panic-safe goroutine helper.
package ingest

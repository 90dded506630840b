// Package crawl defines the domain types and collaborator interfaces shared by
// the worker, scheduler, indexer and stores. It contains no I/O of its own.
package crawl

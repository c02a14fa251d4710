// Package sink persists staging results.
//
// Two stores are provided. SQLite (the default) keeps results and run
// metadata in one database file. JSONL appends one result per line and
// keeps run metadata in a sidecar file. Either way each chunk is written
// as a unit: a failed write leaves no partial rows behind, so the runner
// can retry the chunk without duplicating results.
//
// A store holds an exclusive lock on "<path>.lock" while open for
// writing, so two runs can never append to the same output.
//
// Export turns a store into a Parquet or CSV table with run metadata
// columns, optionally rolled up per encounter.
package sink

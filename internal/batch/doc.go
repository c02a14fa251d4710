// Package batch runs staging extraction over a note corpus.
//
// A Runner streams notes from a corpus.Source in bounded chunks. Each chunk
// passes through an ordered pipeline of extraction stages; a stage's Gate
// decides which notes it sees, and its worker count bounds how many notes
// it handles at once. Candidates are then reconciled per note and the
// chunk is written to a sink.Sink as one unit.
//
// Cancellation is observed only between chunks. A chunk that has started
// always runs to completion and is written, so a cancelled run never
// leaves a partial chunk behind.
//
// Per-note failures become explicit failed entries in the output. A run of
// consecutive failures reaching Options.MaxConsecutiveFailures aborts the
// run with ErrTooManyFailures after the current chunk is written.
package batch

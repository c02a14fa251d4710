// Package progress reports batch run progress.
//
// A run emits one Event per written chunk and a final event when it ends.
// Reporters fan out to the structured log and, when configured, to NATS
// subjects of the form:
//
//	<subject>.<run_id>.chunk
//	<subject>.<run_id>.completed
//	<subject>.<run_id>.aborted
package progress

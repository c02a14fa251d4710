// Package corpus streams pre-filtered clinical notes into the batch runner.
//
// A corpus is a directory of Parquet or JSONL files, one record per note
// with the columns patient_id, encounter_id, note_id, note_datetime,
// note_text and note_type. Files are read in lexical order so chunk
// boundaries are stable across runs.
//
// A file that does not carry the note columns is an InputSchemaError and
// stops the run. Individual records with empty text are passed through;
// the runner records them as failed entries.
package corpus

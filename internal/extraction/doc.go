// Package extraction turns clinical note text into staging candidates.
//
// Two extractors implement the same Extractor contract:
//   - PatternExtractor: an ordered table of regular expressions, most
//     specific first, with a cue-window scan that flags negated and
//     historical mentions
//   - ModelExtractor: prompts a generative model through an Inferencer and
//     validates its answer against the canonical schema
//
// # Pattern tables
//
// The default table ships with the binary. A replacement table can be read
// from TOML:
//
//	[[pattern]]
//	name   = "tnm_triple"
//	system = "TNM"
//	weight = 0.95
//	regex  = '''(?i)\b(?P<t>T[0-4])(?P<n>N[0-3])(?P<m>M[01])\b'''
//
// Named groups drive normalization: prefix, t, n and m for TNM; summary and
// sub for AJCC_SUMMARY; named for OTHER. Any table error is a
// PatternCompileError and stops startup.
//
// # Confidence
//
// Pattern candidates take their pattern's weight. Model candidates take a
// single configured confidence, so a model answer never outranks an exact
// TNM triple unless the reconciler thresholds say so.
package extraction

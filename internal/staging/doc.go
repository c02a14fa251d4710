// Package staging defines the canonical cancer-staging schema.
//
// Every extractor produces Candidates carrying a canonical Stage, the
// reconciler folds them into one Result per note, and the sinks persist
// Results. Nothing in this package performs I/O.
//
// # Stage systems
//
//   - TNM: at least one of the T, N and M components (e.g. pT2 N1 M0)
//   - AJCC_SUMMARY: a roman-numeral summary stage (e.g. IIIA)
//   - OTHER: a named stage outside both grammars (e.g. LIMITED for
//     small-cell lung cancer)
//
// Stage.Key identifies a distinct stage value. Prefix, laterality and
// tumor sequence travel with the stage but do not change its identity.
package staging

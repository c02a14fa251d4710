// Package reconcile turns the candidates produced for a note into a single
// staging result, and rolls note results up to encounters.
//
// Resolve is a pure function of its inputs. Negated candidates are never
// selected. Candidates proposing the same stage are grouped, and groups are
// ranked by confidence, then current over historical mentions, then system
// specificity (TNM over AJCC summary over named stages). When distinct
// stages remain comparable and nothing breaks the tie, the note is marked
// CONFLICTING_DISCARDED with no final stage.
package reconcile

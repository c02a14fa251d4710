package extraction

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// spanOf locates the first occurrence of needle in text.
func spanOf(t *testing.T, text, needle string) staging.Span {
	t.Helper()
	i := strings.Index(text, needle)
	if i < 0 {
		t.Fatalf("%q not in %q", needle, text)
	}
	return staging.Span{Start: i, End: i + len(needle)}
}

func TestScanContext(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		match          string
		window         int
		wantNegated    bool
		wantHistorical bool
		wantExcluded   bool
		wantLaterality staging.Laterality
	}{
		{
			name:        "pre negation",
			text:        "negative for T2N1M0 disease",
			match:       "T2N1M0",
			window:      6,
			wantNegated: true,
		},
		{
			name:        "post negation",
			text:        "stage IV was ruled out by PET",
			match:       "stage IV",
			window:      6,
			wantNegated: true,
		},
		{
			name:   "negation outside window",
			text:   "no one could tell whether the mass was really stage IV",
			match:  "stage IV",
			window: 3,
		},
		{
			name:   "sentence boundary stops negation",
			text:   "No fever. Stage IIA disease.",
			match:  "Stage IIA",
			window: 6,
		},
		{
			name:   "breaker stops negation",
			text:   "no nodal disease but T3 primary",
			match:  "T3",
			window: 6,
		},
		{
			name:           "historical abbreviation",
			text:           "s/p resection of stage IB tumor",
			match:          "stage IB",
			window:         6,
			wantHistorical: true,
		},
		{
			name:           "historical post cue",
			text:           "stage II disease years ago",
			match:          "stage II",
			window:         6,
			wantHistorical: true,
		},
		{
			name:         "exclusion",
			text:         "end-stage 4 disease",
			match:        "stage 4",
			window:       6,
			wantExcluded: true,
		},
		{
			name:           "laterality",
			text:           "right upper lobe mass, T2N0M0",
			match:          "T2N0M0",
			window:         6,
			wantLaterality: staging.LateralityRight,
		},
		{
			name:           "bilateral",
			text:           "bilateral breast tumors stage I",
			match:          "stage I",
			window:         6,
			wantLaterality: staging.LateralityBilateral,
		},
		{
			name:   "comma ends negated finding",
			text:   "Biopsy shows no lymphovascular invasion, pT2N0M0 adenocarcinoma.",
			match:  "pT2N0M0",
			window: 6,
		},
		{
			name:   "negated residual tumor",
			text:   "Margins negative and no residual tumor, final pathologic stage IIA.",
			match:  "pathologic stage IIA",
			window: 6,
		},
		{
			name:   "comma ends negated history",
			text:   "Patient without prior chemotherapy, clinical stage IIIB.",
			match:  "clinical stage IIIB",
			window: 6,
		},
		{
			name:        "negation in the same phrase",
			text:        "no evidence of stage IV disease, follow up",
			match:       "stage IV",
			window:      6,
			wantNegated: true,
		},
		{
			name:           "laterality crosses phrase punctuation",
			text:           "Left breast: T2N0M0",
			match:          "T2N0M0",
			window:         6,
			wantLaterality: staging.LateralityLeft,
		},
		{
			name:   "no is not a prefix of now",
			text:   "now stage IIIA",
			match:  "stage IIIA",
			window: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanContext(tt.text, spanOf(t, tt.text, tt.match), tt.window, DefaultCues())
			if got.Negated != tt.wantNegated {
				t.Errorf("Negated = %v, want %v", got.Negated, tt.wantNegated)
			}
			if got.Historical != tt.wantHistorical {
				t.Errorf("Historical = %v, want %v", got.Historical, tt.wantHistorical)
			}
			if got.Excluded != tt.wantExcluded {
				t.Errorf("Excluded = %v, want %v", got.Excluded, tt.wantExcluded)
			}
			if got.Laterality != tt.wantLaterality {
				t.Errorf("Laterality = %q, want %q", got.Laterality, tt.wantLaterality)
			}
		})
	}
}

func TestScanContext_ClampsSpan(t *testing.T) {
	flags := ScanContext("no T2", staging.Span{Start: 3, End: 99}, 4, nil)
	if !flags.Negated {
		t.Error("expected negation with clamped span")
	}
}

package staging

import (
	"fmt"
	"regexp"
	"strings"
)

// NormalizeComponent canonicalizes a raw T, N or M token ("t1A", "tis",
// "nx") and checks it against the component grammar.
func NormalizeComponent(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty TNM component")
	}
	letter := strings.ToUpper(raw[:1])
	rest := strings.ToLower(raw[1:])
	if rest == "x" {
		rest = "X"
	}
	out := letter + rest

	var grammar *regexp.Regexp
	switch letter {
	case "T":
		grammar = tGrammar
	case "N":
		grammar = nGrammar
	case "M":
		grammar = mGrammar
	default:
		return "", fmt.Errorf("invalid TNM component %q", raw)
	}
	if !grammar.MatchString(out) {
		return "", fmt.Errorf("invalid TNM component %q", raw)
	}
	return out, nil
}

// NormalizePrefix canonicalizes a TNM descriptor prefix ("P", "yP").
func NormalizePrefix(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return "", nil
	}
	if !prefixGrammar.MatchString(p) {
		return "", fmt.Errorf("invalid TNM prefix %q", raw)
	}
	return p, nil
}

var tnmText = regexp.MustCompile(`(?i)^(yc|yp|c|p|r|a)?\s*(t(?:is|x|[0-4](?:mi|[a-d])?))?[\s,]*(?:yc|yp|c|p)?\s*(n(?:x|1mi|[0-3][a-c]?))?[\s,]*(?:yc|yp|c|p)?\s*(m(?:x|[01][a-d]?))?$`)

// ParseTNM parses a TNM classification such as "pT2N1M0", "T2 N0 M0" or
// "ypT1c, pN0".
func ParseTNM(raw string) (Stage, error) {
	text := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(raw), ".;:"))
	m := tnmText.FindStringSubmatch(text)
	if m == nil || (m[2] == "" && m[3] == "" && m[4] == "") {
		return Stage{}, fmt.Errorf("not a TNM classification: %q", raw)
	}
	s := Stage{System: SystemTNM}
	var err error
	if s.Prefix, err = NormalizePrefix(m[1]); err != nil {
		return Stage{}, err
	}
	for i, dst := range []*string{&s.T, &s.N, &s.M} {
		if m[i+2] == "" {
			continue
		}
		if *dst, err = NormalizeComponent(m[i+2]); err != nil {
			return Stage{}, err
		}
	}
	return s, s.Validate()
}

var (
	summaryText = regexp.MustCompile(`(?i)^(?:(?:ajcc|clinical|pathologic(?:al)?|overall)\s+)*(?:stage\s*:?\s*)?(0|iv|i{1,3}|[1-4])([a-c][1-3]?)?$`)
	namedText   = regexp.MustCompile(`(?i)^(limited|extensive)(?:[\s-]+stage)?$`)
)

var arabicToRoman = map[string]string{"0": "0", "1": "I", "2": "II", "3": "III", "4": "IV"}

// ParseSummary parses a summary stage such as "Stage IIIA", "IIb", "stage 3"
// or a named stage such as "extensive stage".
func ParseSummary(raw string) (Stage, error) {
	text := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(raw), ".;:"))
	if m := summaryText.FindStringSubmatch(text); m != nil {
		base := strings.ToUpper(m[1])
		if roman, ok := arabicToRoman[base]; ok {
			base = roman
		}
		s := Stage{System: SystemAJCCSummary, Summary: base + strings.ToUpper(m[2])}
		return s, s.Validate()
	}
	if m := namedText.FindStringSubmatch(text); m != nil {
		s := Stage{System: SystemOther, Summary: strings.ToUpper(m[1])}
		return s, s.Validate()
	}
	return Stage{}, fmt.Errorf("not a summary stage: %q", raw)
}

// RomanFromArabic converts a single arabic stage digit (0-4) to roman.
func RomanFromArabic(d string) (string, bool) {
	r, ok := arabicToRoman[d]
	return r, ok
}

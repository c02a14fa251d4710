package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// ModelAnswer is a validated model response.
type ModelAnswer struct {
	Stage      staging.Stage
	Historical bool
	Evidence   string
}

// modelJSON is the structured response the prompt asks for.
type modelJSON struct {
	Found         *bool  `json:"found"`
	System        string `json:"system"`
	Prefix        string `json:"prefix"`
	T             string `json:"t"`
	N             string `json:"n"`
	M             string `json:"m"`
	Summary       string `json:"summary"`
	Laterality    string `json:"laterality"`
	TumorSequence *int   `json:"tumor_sequence"`
	Historical    bool   `json:"historical"`
	Evidence      string `json:"evidence"`
}

var (
	errEmptyResponse = errors.New("empty response")
	errUnrecognized  = errors.New("unrecognized response format")

	naLine     = regexp.MustCompile(`(?i)^\s*"?(?:NA|N/A|none)"?\s*\.?\s*$`)
	naWord     = regexp.MustCompile(`\bNA\b`)
	tnmLabel   = regexp.MustCompile(`(?i)\bTNM\s*:\s*([^\n]*)`)
	stageLabel = regexp.MustCompile(`(?i)\bStage\s*:\s*([^\n]*)`)
	tnmToken   = regexp.MustCompile(`(?i)\b(?:yc|yp|c|p)?T(?:is|x|[0-4](?:mi|[a-d])?)\s*(?:yc|yp|c|p)?N(?:x|1mi|[0-3][a-c]?)\s*(?:yc|yp|c|p)?M(?:x|[01][a-d]?)\b`)
)

// ParseResponse interprets raw model output. It returns (nil, nil) when
// the model reports no staging, and an error wrapping
// staging.ErrModelMalformedOutput when the output cannot be understood or
// fails schema validation.
//
// Accepted forms, tried in order: the JSON object from the prompt (with or
// without code fences), a bare "NA", a "TNM: ..." line, a "Stage: ..."
// line, and finally any TNM token embedded in prose.
func ParseResponse(raw string) (*ModelAnswer, error) {
	answer, err := parseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", staging.ErrModelMalformedOutput, err)
	}
	if answer != nil {
		if err := answer.Stage.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", staging.ErrModelMalformedOutput, err)
		}
	}
	return answer, nil
}

func parseResponse(raw string) (*ModelAnswer, error) {
	s := stripCodeFences(raw)
	if s == "" {
		return nil, errEmptyResponse
	}

	if obj, ok := jsonObject(s); ok {
		var m modelJSON
		if err := json.Unmarshal([]byte(obj), &m); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return m.answer()
	}

	if naLine.MatchString(firstLine(s)) {
		return nil, nil
	}
	if m := tnmLabel.FindStringSubmatch(s); m != nil {
		stage, err := tnmFrom(m[1])
		if err != nil {
			return nil, err
		}
		return &ModelAnswer{Stage: stage, Evidence: strings.TrimSpace(m[0])}, nil
	}
	if m := stageLabel.FindStringSubmatch(s); m != nil {
		rest := strings.TrimSpace(m[1])
		if stage, err := staging.ParseSummary(rest); err == nil {
			return &ModelAnswer{Stage: stage, Evidence: strings.TrimSpace(m[0])}, nil
		}
		if stage, err := tnmFrom(rest); err == nil {
			return &ModelAnswer{Stage: stage, Evidence: strings.TrimSpace(m[0])}, nil
		}
		return nil, fmt.Errorf("unparseable stage %q", rest)
	}
	if tok := tnmToken.FindString(s); tok != "" {
		stage, err := staging.ParseTNM(strings.Trim(tok, ".,;:()"))
		if err != nil {
			return nil, err
		}
		return &ModelAnswer{Stage: stage, Evidence: tok}, nil
	}
	if naWord.MatchString(s) {
		return nil, nil
	}
	return nil, errUnrecognized
}

// tnmFrom parses the text after a "TNM:" label, falling back to the first
// TNM token in it.
func tnmFrom(rest string) (staging.Stage, error) {
	rest = strings.TrimSpace(rest)
	if stage, err := staging.ParseTNM(rest); err == nil {
		return stage, nil
	}
	if fields := strings.Fields(rest); len(fields) > 0 {
		if stage, err := staging.ParseTNM(strings.Trim(fields[0], ".,;:()")); err == nil {
			return stage, nil
		}
	}
	if tok := tnmToken.FindString(rest); tok != "" {
		return staging.ParseTNM(tok)
	}
	return staging.Stage{}, fmt.Errorf("unparseable TNM %q", rest)
}

func (m modelJSON) answer() (*ModelAnswer, error) {
	if m.Found != nil && !*m.Found {
		return nil, nil
	}

	system := staging.System(strings.ToUpper(strings.TrimSpace(m.System)))
	hasTNM := m.T != "" || m.N != "" || m.M != ""
	if system == "" {
		switch {
		case hasTNM:
			system = staging.SystemTNM
		case m.Summary != "":
			system = staging.SystemAJCCSummary
		default:
			return nil, fmt.Errorf("no stage fields in response")
		}
	}

	var stage staging.Stage
	var err error
	switch system {
	case staging.SystemTNM:
		if !hasTNM {
			if stage, err = staging.ParseTNM(m.Summary); err != nil {
				return nil, err
			}
			break
		}
		stage.System = staging.SystemTNM
		if stage.Prefix, err = staging.NormalizePrefix(m.Prefix); err != nil {
			return nil, err
		}
		for _, c := range []struct {
			raw string
			dst *string
		}{{m.T, &stage.T}, {m.N, &stage.N}, {m.M, &stage.M}} {
			raw := strings.TrimSpace(c.raw)
			if raw == "" {
				continue
			}
			if *c.dst, err = staging.NormalizeComponent(raw); err != nil {
				return nil, err
			}
		}
	case staging.SystemAJCCSummary, staging.SystemOther:
		if stage, err = staging.ParseSummary(m.Summary); err != nil {
			if system != staging.SystemOther {
				return nil, err
			}
			stage = staging.Stage{System: staging.SystemOther, Summary: strings.ToUpper(strings.TrimSpace(m.Summary))}
		}
	default:
		return nil, fmt.Errorf("unknown system %q", m.System)
	}

	if stage.Laterality, err = staging.ParseLaterality(m.Laterality); err != nil {
		return nil, err
	}
	stage.TumorSequence = m.TumorSequence

	return &ModelAnswer{Stage: stage, Historical: m.Historical, Evidence: m.Evidence}, nil
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// jsonObject returns the outermost {...} in s when s leads with one.
func jsonObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	if strings.TrimSpace(s[:start]) != "" && !strings.Contains(s[:start], "\n") {
		return "", false
	}
	return s[start : end+1], true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

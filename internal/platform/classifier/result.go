package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Confidence is a classifier score in [0, 1]. It decodes from a JSON number,
// a numeric string ("0.82") or a percentage string ("82.00%").
type Confidence float64

func (c *Confidence) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var (
		v       float64
		percent bool
	)
	switch t := raw.(type) {
	case float64:
		v = t
	case string:
		s := strings.TrimSpace(t)
		if strings.HasSuffix(s, "%") {
			percent = true
			s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("confidence %q: %w", t, err)
		}
		v = f
	default:
		return fmt.Errorf("confidence: unexpected JSON %s", string(b))
	}
	if percent || v > 1 {
		v /= 100
	}
	*c = Confidence(v)
	return nil
}

// Prediction is one ranked candidate from the classifier.
type Prediction struct {
	Specialist string     `json:"specialist"`
	Disease    string     `json:"disease"`
	Confidence Confidence `json:"confidence"`
}

// Result is the decoded /predict response.
type Result struct {
	Disease           *string      `json:"disease"`
	Specialist        *string      `json:"specialist"`
	Confidence        *Confidence  `json:"confidence"`
	ExtractedSymptoms []string     `json:"extracted_symptoms"`
	MatchedSymptoms   []string     `json:"matched_symptoms"`
	Predictions       []Prediction `json:"predictions"`
}

// UnknownDisease is what the classifier reports when it cannot decide.
const UnknownDisease = "Unknown"

// Abstained reports whether the classifier declined to predict.
func (r *Result) Abstained() bool {
	if r == nil {
		return true
	}
	if len(r.Predictions) > 0 {
		return false
	}
	return r.Disease == nil || *r.Disease == "" || *r.Disease == UnknownDisease
}

// Top returns the best-ranked disease and confidence. Top-level fields win
// over the first entry of Predictions.
func (r *Result) Top() (disease *string, confidence *float64) {
	if r.Disease != nil && *r.Disease != "" && *r.Disease != UnknownDisease {
		d := *r.Disease
		disease = &d
	} else if len(r.Predictions) > 0 {
		d := r.Predictions[0].Disease
		disease = &d
	}
	if r.Confidence != nil {
		c := float64(*r.Confidence)
		confidence = &c
	} else if len(r.Predictions) > 0 {
		c := float64(r.Predictions[0].Confidence)
		confidence = &c
	}
	return disease, confidence
}

package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestConfidence_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`0.82`, 0.82},
		{`"0.82"`, 0.82},
		{`"82.00%"`, 0.82},
		{`"0%"`, 0},
		{`82`, 0.82},
		{`1`, 1},
	}
	for _, tt := range tests {
		var c Confidence
		if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if !near(float64(c), tt.want) {
			t.Errorf("unmarshal %s: expected %v, got %v", tt.in, tt.want, float64(c))
		}
	}
}

func TestConfidence_UnmarshalInvalid(t *testing.T) {
	var c Confidence
	if err := json.Unmarshal([]byte(`"high"`), &c); err == nil {
		t.Error("expected error for non-numeric confidence")
	}
	if err := json.Unmarshal([]byte(`true`), &c); err == nil {
		t.Error("expected error for boolean confidence")
	}
}

func TestResult_Abstained(t *testing.T) {
	unknown := UnknownDisease
	flu := "Influenza"
	tests := []struct {
		name string
		r    *Result
		want bool
	}{
		{"nil", nil, true},
		{"empty", &Result{}, true},
		{"unknown disease", &Result{Disease: &unknown}, true},
		{"top-level disease", &Result{Disease: &flu}, false},
		{"predictions only", &Result{Predictions: []Prediction{{Disease: "Arrhythmia"}}}, false},
	}
	for _, tt := range tests {
		if got := tt.r.Abstained(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestResult_TopFallsBackToPredictions(t *testing.T) {
	r := &Result{Predictions: []Prediction{
		{Specialist: "Cardiologist", Disease: "Arrhythmia", Confidence: 0.82},
		{Specialist: "Neurologist", Disease: "Migraine", Confidence: 0.1},
	}}
	d, c := r.Top()
	if d == nil || *d != "Arrhythmia" {
		t.Fatalf("expected Arrhythmia, got %v", d)
	}
	if c == nil || !near(*c, 0.82) {
		t.Fatalf("expected 0.82, got %v", c)
	}
}

func TestClient_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "palpitations and dizziness" {
			t.Errorf("unexpected text %q", body["text"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"disease": "Arrhythmia",
			"specialist": "Cardiologist",
			"confidence": "82.00%",
			"predictions": [{"disease": "Arrhythmia", "specialist": "Cardiologist", "confidence": "82.00%"}],
			"extracted_symptoms": ["palpitations", "dizziness"],
			"matched_symptoms": ["palpitations"]
		}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL + "/").Classify(context.Background(), "palpitations and dizziness")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Abstained() {
		t.Fatal("expected a prediction")
	}
	d, c := res.Top()
	if *d != "Arrhythmia" || !near(*c, 0.82) {
		t.Errorf("unexpected top result %s %v", *d, *c)
	}
	if len(res.ExtractedSymptoms) != 2 {
		t.Errorf("expected 2 extracted symptoms, got %d", len(res.ExtractedSymptoms))
	}
}

func TestClient_ClassifyNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Classify(context.Background(), "cough")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_ClassifyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, WithTimeout(50*time.Millisecond)).Classify(context.Background(), "cough")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("classify did not honor timeout")
	}
}

func TestClient_ClassifyBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Classify(context.Background(), "cough")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	h := HealthHandler(New(srv.URL))
	e := echo.New()

	rec := httptest.NewRecorder()
	if err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/health/classifier", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	h(e.NewContext(httptest.NewRequest(http.MethodGet, "/health/classifier", nil), rec))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

package intent

import (
	"math"
	"testing"
	"time"
)

type fixedHealth int

func (f fixedHealth) HealthyCount() int { return int(f) }

func factorTime(hour int) time.Time {
	return time.Date(2026, 8, 24, hour, 30, 0, 0, time.Local)
}

func TestComputeFactors(t *testing.T) {
	factors := defaultContextFactors()

	tests := []struct {
		name    string
		req     *Request
		healthy int
		hour    int
		factor  string
		want    float64
	}{
		{"user present", &Request{Context: &RequestContext{UserID: "u"}}, 0, 10, "userProfile", 0.7},
		{"user absent", &Request{}, 0, 10, "userProfile", 0.5},
		{"headers present", &Request{Headers: map[string]string{"A": "b"}}, 0, 10, "requestMetadata", 0.6},
		{"headers absent", &Request{}, 0, 10, "requestMetadata", 0.5},
		{"many healthy", &Request{}, 6, 10, "systemState", 0.8},
		{"few healthy", &Request{}, 5, 10, "systemState", 0.4},
		{"business hours", &Request{}, 0, 10, "temporalContext", 0.9},
		{"off hours", &Request{}, 0, 20, "temporalContext", 0.4},
		{"business logic fixed", &Request{}, 0, 10, "businessLogic", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := computeFactors(tt.req, factors, fixedHealth(tt.healthy), factorTime(tt.hour))
			if got := out[tt.factor]; math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("%s = %v, want %v", tt.factor, got, tt.want)
			}
		})
	}
}

func TestComputeFactorsAppliesWeight(t *testing.T) {
	factors := map[string]ContextFactor{
		"businessLogic": {Weight: 0.5},
	}
	out := computeFactors(&Request{}, factors, fixedHealth(0), factorTime(10))
	if got := out["businessLogic"]; math.Abs(got-0.375) > 1e-9 {
		t.Errorf("weighted factor = %v, want 0.375", got)
	}
}

func TestContextMultiplier(t *testing.T) {
	tests := []struct {
		name    string
		factors map[string]float64
		want    float64
	}{
		{"empty is neutral", nil, 1.0},
		{"neutral average", map[string]float64{"a": 0.5, "b": 0.5}, 1.0},
		{"positive context", map[string]float64{"a": 1.0}, 1.2},
		{"negative context", map[string]float64{"a": 0.0}, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contextMultiplier(tt.factors); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("contextMultiplier() = %v, want %v", got, tt.want)
			}
		})
	}
}

package intent

import (
	"testing"
)

func TestNaiveBayesClassify(t *testing.T) {
	nb := newNaiveBayes()
	for _, kw := range []string{"login", "password", "token"} {
		nb.train("authentication", tokenize(kw))
	}
	for _, kw := range []string{"payment", "invoice", "refund"} {
		nb.train("payment", tokenize(kw))
	}

	probs := nb.classify(tokenize("reset my password"))
	if probs == nil {
		t.Fatal("classify() returned nil")
	}
	if probs["authentication"] <= probs["payment"] {
		t.Errorf("authentication should outscore payment: %v", probs)
	}

	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("probabilities should sum to 1, got %v", sum)
	}
}

func TestNaiveBayesUntrained(t *testing.T) {
	nb := newNaiveBayes()
	if probs := nb.classify(tokenize("anything")); probs != nil {
		t.Errorf("untrained classifier should return nil, got %v", probs)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Reset MY Password!", []string{"reset", "my", "password"}},
		{"a-b_c 123", []string{"a", "b", "c", "123"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := tokenize(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

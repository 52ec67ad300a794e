package classify

import (
	"context"
	"testing"
)

func TestHeuristicClassify(t *testing.T) {
	h := NewHeuristicClassifier()
	ctx := context.Background()

	tests := []struct {
		name        string
		text        string
		wantService string
	}{
		{"auth keywords", "I forgot my password and cannot login", "user-authentication-service"},
		{"payment keywords", "charge the invoice to my credit card", "payment-processing-service"},
		{"notification keywords", "send an email alert", "notification-service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores, err := h.Classify(ctx, tt.text, nil)
			if err != nil {
				t.Fatalf("Classify() failed: %v", err)
			}
			score, ok := scores[tt.wantService]
			if !ok {
				t.Fatalf("expected %s to be scored, got %v", tt.wantService, scores)
			}
			if score <= 0 || score > 1 {
				t.Errorf("score out of range: %v", score)
			}
		})
	}
}

func TestHeuristicDefaultBucket(t *testing.T) {
	h := NewHeuristicClassifier()

	scores, err := h.Classify(context.Background(), "zzz qqq completely unrelated", nil)
	if err != nil {
		t.Fatalf("Classify() failed: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected only the default target, got %v", scores)
	}
	if scores[DefaultTarget] != 0.4 {
		t.Errorf("default score = %v, want 0.4", scores[DefaultTarget])
	}
}

func TestHeuristicScoreFormula(t *testing.T) {
	h := NewHeuristicClassifier()

	// One match out of 9 payment keywords: 1/9 + 0.2
	scores, err := h.Classify(context.Background(), "process the refund", nil)
	if err != nil {
		t.Fatalf("Classify() failed: %v", err)
	}
	want := round4(1.0/9.0 + 0.2)
	if scores["payment-processing-service"] != want {
		t.Errorf("score = %v, want %v", scores["payment-processing-service"], want)
	}
}

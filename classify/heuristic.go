package classify

import (
	"context"
	"strings"
)

// HeuristicModelID is reported when keyword scoring produced the result.
const HeuristicModelID = "heuristic-keywords"

// DefaultTarget receives a floor score when no keyword bucket matches.
const DefaultTarget = "api-gateway-service"

// keywordBuckets is the fixed keyword taxonomy. Scoring:
// min(1, matches/len(keywords) + 0.2) for any bucket with at least one
// substring match on the lowercased text.
var keywordBuckets = []struct {
	service  string
	keywords []string
}{
	{"user-authentication-service", []string{"login", "password", "auth", "signin", "sign in", "credential", "token", "session", "register", "logout", "reset"}},
	{"payment-processing-service", []string{"payment", "charge", "invoice", "billing", "refund", "credit card", "subscription", "checkout", "transaction"}},
	{"data-storage-service", []string{"database", "storage", "record", "query", "save", "fetch", "retrieve", "backup"}},
	{"notification-service", []string{"notify", "notification", "email", "sms", "push", "alert"}},
	{"image-processing-service", []string{"image", "photo", "thumbnail", "resize", "crop", "picture", "render"}},
	{"file-processing-service", []string{"file", "upload", "download", "document", "pdf", "attachment"}},
	{"analytics-service", []string{"analytics", "report", "metric", "dashboard", "statistic", "trend", "insight"}},
	{"api-gateway-service", []string{"api", "gateway", "proxy", "endpoint"}},
}

// HeuristicClassifier scores text by keyword-bucket overlap. It never
// fails, which makes it the terminal link of the classifier chain.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates the keyword classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

// Classify scores the lowercased text against every keyword bucket.
// If nothing matches, the API gateway gets a 0.4 catch-all score.
func (h *HeuristicClassifier) Classify(ctx context.Context, text string, services []string) (ServiceScores, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	scores := make(ServiceScores)

	for _, bucket := range keywordBuckets {
		matches := 0
		for _, kw := range bucket.keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		score := float64(matches)/float64(len(bucket.keywords)) + 0.2
		if score > 1 {
			score = 1
		}
		scores[bucket.service] = round4(score)
	}

	if len(scores) == 0 {
		scores[DefaultTarget] = 0.4
	}
	return scores, nil
}

// ModelID always reports the heuristic identifier.
func (h *HeuristicClassifier) ModelID() string {
	return HeuristicModelID
}

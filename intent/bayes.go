package intent

import (
	"math"
	"strings"
	"unicode"
)

// naiveBayes is a multinomial Naive Bayes text classifier trained once at
// config load from keyword→category samples. It is small enough that
// retraining on reload is free.
type naiveBayes struct {
	classes    []string
	classDocs  map[string]int
	wordCounts map[string]map[string]int
	classTotal map[string]int
	vocab      map[string]bool
	totalDocs  int
}

func newNaiveBayes() *naiveBayes {
	return &naiveBayes{
		classDocs:  make(map[string]int),
		wordCounts: make(map[string]map[string]int),
		classTotal: make(map[string]int),
		vocab:      make(map[string]bool),
	}
}

// train feeds one document (the keyword list of a category, in practice).
func (nb *naiveBayes) train(class string, tokens []string) {
	if _, ok := nb.wordCounts[class]; !ok {
		nb.classes = append(nb.classes, class)
		nb.wordCounts[class] = make(map[string]int)
	}
	nb.classDocs[class]++
	nb.totalDocs++
	for _, tok := range tokens {
		nb.wordCounts[class][tok]++
		nb.classTotal[class]++
		nb.vocab[tok] = true
	}
}

// classify returns normalized class probabilities for the tokens.
// Laplace smoothing keeps unseen words from zeroing a class out.
func (nb *naiveBayes) classify(tokens []string) map[string]float64 {
	if nb.totalDocs == 0 || len(tokens) == 0 {
		return nil
	}

	vocabSize := float64(len(nb.vocab))
	logProbs := make(map[string]float64, len(nb.classes))
	for _, class := range nb.classes {
		lp := math.Log(float64(nb.classDocs[class]) / float64(nb.totalDocs))
		denom := float64(nb.classTotal[class]) + vocabSize
		for _, tok := range tokens {
			count := float64(nb.wordCounts[class][tok])
			lp += math.Log((count + 1) / denom)
		}
		logProbs[class] = lp
	}

	// Normalize in log space to avoid underflow
	maxLP := math.Inf(-1)
	for _, lp := range logProbs {
		if lp > maxLP {
			maxLP = lp
		}
	}
	var sum float64
	probs := make(map[string]float64, len(logProbs))
	for class, lp := range logProbs {
		p := math.Exp(lp - maxLP)
		probs[class] = p
		sum += p
	}
	if sum == 0 {
		return nil
	}
	for class := range probs {
		probs[class] /= sum
	}
	return probs
}

// tokenize lowercases and splits on any non-letter/digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

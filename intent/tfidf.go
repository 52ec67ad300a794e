package intent

import (
	"math"
	"sync"
)

// tfidfCorpusLimit bounds corpus growth: only the most recent documents
// contribute to document frequencies.
const tfidfCorpusLimit = 256

// tfidfIndex scores category keywords against observed request texts.
// The corpus is a fixed-size ring of the last N classified documents;
// document frequencies are recomputed incrementally as entries rotate out.
type tfidfIndex struct {
	mu sync.Mutex

	ring     [][]string
	next     int
	size     int
	docFreqs map[string]int
}

func newTFIDFIndex() *tfidfIndex {
	return &tfidfIndex{
		ring:     make([][]string, tfidfCorpusLimit),
		docFreqs: make(map[string]int),
	}
}

// observe adds a document to the bounded corpus.
func (t *tfidfIndex) observe(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if old := t.ring[t.next]; old != nil {
		for _, tok := range uniqueTokens(old) {
			if t.docFreqs[tok] > 1 {
				t.docFreqs[tok]--
			} else {
				delete(t.docFreqs, tok)
			}
		}
	} else {
		t.size++
	}

	t.ring[t.next] = tokens
	for _, tok := range uniqueTokens(tokens) {
		t.docFreqs[tok]++
	}
	t.next = (t.next + 1) % tfidfCorpusLimit
}

// score sums TF-IDF of the category keywords in the token set, normalized
// by bucket size and clamped to [0,1].
func (t *tfidfIndex) score(tokens []string, keywords []string) float64 {
	if len(keywords) == 0 || len(tokens) == 0 {
		return 0
	}

	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	t.mu.Lock()
	n := t.size
	var sum float64
	for _, kw := range keywords {
		count := tf[kw]
		if count == 0 {
			continue
		}
		df := t.docFreqs[kw]
		idf := math.Log(1 + float64(n+1)/float64(df+1))
		sum += (float64(count) / float64(len(tokens))) * idf
	}
	t.mu.Unlock()

	normalized := sum / float64(len(keywords)) * 10
	if normalized > 1 {
		return 1
	}
	return normalized
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

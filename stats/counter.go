package stats

import "slices"

// WordCount is one entry of a word-frequency ranking.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Counter tallies words and remembers the order in which each word was first
// seen, so rankings break ties deterministically.
type Counter struct {
	counts map[string]int
	order  []string
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// Add counts every word in words.
func (c *Counter) Add(words ...string) {
	for _, w := range words {
		if _, seen := c.counts[w]; !seen {
			c.order = append(c.order, w)
		}
		c.counts[w]++
	}
}

// Len returns the number of distinct words.
func (c *Counter) Len() int { return len(c.order) }

// Count returns the tally for word.
func (c *Counter) Count(word string) int { return c.counts[word] }

// Top returns the n most frequent words, highest count first. Equal counts
// keep first-seen order. n <= 0 yields an empty slice; n larger than Len
// yields every word.
func (c *Counter) Top(n int) []WordCount {
	if n <= 0 || len(c.order) == 0 {
		return []WordCount{}
	}
	ranked := make([]WordCount, len(c.order))
	for i, w := range c.order {
		ranked[i] = WordCount{Word: w, Count: c.counts[w]}
	}
	slices.SortStableFunc(ranked, func(a, b WordCount) int { return b.Count - a.Count })
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

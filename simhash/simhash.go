// Package simhash fingerprints text so near-identical documents can be
// spotted cheaply, for example the same listing returned for page N and
// page N+1 of a paginated scrape.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// DefaultThreshold is the Hamming distance at or below which two
// fingerprints are treated as the same document.
const DefaultThreshold = 3

// Fingerprint computes a 64-bit SimHash of text. Tokens are lower-cased
// words with surrounding punctuation trimmed, grouped into two-word
// shingles so word order contributes. Text with no words hashes to 0.
func Fingerprint(text string) uint64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	features := makeShingles(words, 2)
	if features == nil {
		features = words
	}

	var vector [64]int
	for _, f := range features {
		h := fnv.New64a()
		h.Write([]byte(f))
		sum := h.Sum64()
		for i := range 64 {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i, v := range vector {
		if v > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether a and b are within threshold bits of each other.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := fields[:0]
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// makeShingles joins every run of n consecutive tokens. It returns nil when
// there are fewer than n tokens.
func makeShingles(tokens []string, n int) []string {
	if len(tokens) < n {
		return nil
	}
	shingles := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+n], " "))
	}
	return shingles
}

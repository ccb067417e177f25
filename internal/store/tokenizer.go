package store

import (
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)

// Tokenize splits text into lowercased word tokens, dropping anything
// shorter than two characters (punctuation, single letters).
func Tokenize(text string) []string {
	words := wordPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) >= 2 {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// FilterStopWords removes tokens present in stopWords.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a stop word list into a lookup set.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// DefaultStopWords is a small common-English stop word list; callers may
// supply their own set via configuration instead.
var DefaultStopWords = []string{
	"a", "an", "the", "and", "or", "but", "is", "are", "was", "were",
	"be", "been", "being", "to", "of", "in", "on", "at", "for", "with",
	"by", "from", "as", "that", "this", "it", "its", "i", "you", "he",
	"she", "we", "they", "my", "your", "his", "her", "our", "their",
}

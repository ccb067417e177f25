package search

import (
	"slices"
	"strings"
)

// SemanticGroups is the static expansion dictionary used by search_hybrid's
// step 2: a token that appears in any group causes every other word of
// that group to be added to the token set before BM25 candidate gathering.
// Unlike a thesaurus, membership is symmetric — there is no preferred
// direction between "happy" and "glad".
var SemanticGroups = map[string][]string{
	"happy":     {"glad", "joyful", "cheerful", "content", "pleased"},
	"sad":       {"down", "blue", "unhappy", "low", "gloomy"},
	"anxious":   {"worried", "nervous", "stressed", "uneasy", "tense"},
	"angry":     {"frustrated", "mad", "irritated", "annoyed", "upset"},
	"tired":     {"exhausted", "drained", "sleepy", "fatigued", "worn out"},
	"excited":   {"thrilled", "eager", "enthusiastic", "pumped"},
	"calm":      {"relaxed", "peaceful", "serene", "settled"},
	"lonely":    {"isolated", "alone", "disconnected"},
	"grateful":  {"thankful", "appreciative", "blessed"},
	"proud":     {"accomplished", "satisfied", "fulfilled"},

	"work":     {"job", "career", "office", "workplace"},
	"family":   {"parents", "siblings", "relatives", "kids", "children"},
	"friend":   {"friends", "buddy", "companion", "pal"},
	"health":   {"wellness", "fitness", "medical", "doctor"},
	"money":    {"finances", "budget", "savings", "expenses"},
	"travel":   {"trip", "vacation", "journey", "getaway"},
	"sleep":    {"rest", "nap", "insomnia", "bedtime"},
	"exercise": {"workout", "gym", "run", "training"},
	"food":     {"meal", "eating", "diet", "cooking"},
	"project":  {"task", "assignment", "plan", "goal"},

	"meeting":  {"call", "sync", "standup", "discussion"},
	"deadline": {"due date", "timeline", "schedule"},
	"idea":     {"thought", "insight", "notion", "concept"},
	"decision": {"choice", "conclusion", "resolution"},
	"problem":  {"issue", "challenge", "obstacle", "difficulty"},
}

// ExpandTokens returns tokens plus every co-member of a semantic group any
// token belongs to, deduplicated, preserving the original tokens' order
// first.
func ExpandTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}

	var additions []string
	for _, t := range tokens {
		key := strings.ToLower(t)
		var group []string
		for head, members := range SemanticGroups {
			if head == key || slices.Contains(members, key) {
				group = append(append(group, head), members...)
			}
		}
		for _, member := range group {
			key := strings.ToLower(member)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			additions = append(additions, member)
		}
	}

	return append(out, additions...)
}

package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTags_BasicCommaSplit(t *testing.T) {
	content := "Some notes.\nTag: work, health, family\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"work", "health", "family"}, tags)
}

func TestExtractTags_LastLineWins(t *testing.T) {
	content := "Tag: draft\nmore notes\nTag: final, review\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"final", "review"}, tags)
}

func TestExtractTags_MixedDelimiters(t *testing.T) {
	content := "Tag: work，health、family\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"work", "health", "family"}, tags)
}

func TestExtractTags_BlacklistDropsExactMatch(t *testing.T) {
	content := "Tag: work, misc, health\n"
	tags := ExtractTags(content, []string{"misc"}, nil)
	assert.Equal(t, []string{"work", "health"}, tags)
}

func TestExtractTags_SuperBlacklistStripsSubstring(t *testing.T) {
	content := "Tag: #work, @health\n"
	tags := ExtractTags(content, nil, []string{`[#@]`})
	assert.Equal(t, []string{"work", "health"}, tags)
}

func TestExtractTags_LengthFilterDropsShortAndLong(t *testing.T) {
	content := "Tag: a, " + string(make([]byte, 60)) + ", health\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"health"}, tags)
}

func TestExtractTags_AllDigitsDropped(t *testing.T) {
	content := "Tag: 2026, work\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"work"}, tags)
}

func TestExtractTags_DedupPreservesFirstSeenOrder(t *testing.T) {
	content := "Tag: work, Work, health\n"
	tags := ExtractTags(content, nil, nil)
	assert.Equal(t, []string{"work", "health"}, tags)
}

func TestExtractTags_NoTagLineReturnsNil(t *testing.T) {
	content := "Just some notes with no tag line.\n"
	tags := ExtractTags(content, nil, nil)
	assert.Nil(t, tags)
}

func TestNormalize_CollapsesWhitespaceAndTrims(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  hello   \n\tworld  "))
}

func TestNormalize_EmptyProducesSentinel(t *testing.T) {
	assert.Equal(t, EmptyContentSentinel, Normalize("   \n\t  "))
}

func TestNormalize_StripsDecorativeEmoji(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("hello \U0001F600 world"))
}

package message

import "regexp"

// SpanKind distinguishes plain text from @mentions
type SpanKind int

const (
	SpanPlain SpanKind = iota
	SpanMention
)

// MentionSpan is a contiguous piece of a message's text
type MentionSpan struct {
	Kind     SpanKind `json:"kind"`
	Text     string   `json:"text"`               // Exact substring of the message text
	Username string   `json:"username,omitempty"` // Mentioned user without the @ sigil
}

// IsMention reports whether the span references a user
func (s MentionSpan) IsMention() bool {
	return s.Kind == SpanMention
}

var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_-]+)`)

// Annotate splits text into plain and mention spans.
// An empty text yields no spans; text without mentions yields a single plain span.
func Annotate(text string) []MentionSpan {
	if text == "" {
		return []MentionSpan{}
	}

	matches := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []MentionSpan{{Kind: SpanPlain, Text: text}}
	}

	spans := make([]MentionSpan, 0, len(matches)*2+1)
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > last {
			spans = append(spans, MentionSpan{Kind: SpanPlain, Text: text[last:start]})
		}
		spans = append(spans, MentionSpan{
			Kind:     SpanMention,
			Text:     text[start:end],
			Username: text[m[2]:m[3]],
		})
		last = end
	}
	if last < len(text) {
		spans = append(spans, MentionSpan{Kind: SpanPlain, Text: text[last:]})
	}

	return spans
}

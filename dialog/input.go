package dialog

import (
	"strconv"
	"strings"
)

// Kind classifies one line of user input.
type Kind int

const (
	// FreeText is any input that is neither a keyword nor an integer list.
	FreeText Kind = iota
	// Keyword is a case-insensitive match for "new" or "none".
	Keyword
	// IntList is one or more comma-separated non-negative integers.
	IntList
)

// Input is the classified form of one inbound message.
type Input struct {
	Kind    Kind
	Keyword string // lower-cased keyword, set for Kind == Keyword
	IDs     []int  // set for Kind == IntList
	Text    string // trimmed original text
}

// Classify sorts a message into a keyword, an integer list or free text.
// Keyword matching is case-insensitive; integer matching is not, and is
// all-or-nothing: a single malformed token makes the whole input free text.
func Classify(text string) Input {
	text = strings.TrimSpace(text)

	switch strings.ToLower(text) {
	case "new":
		return Input{Kind: Keyword, Keyword: "new", Text: text}
	case "none":
		return Input{Kind: Keyword, Keyword: "none", Text: text}
	}

	if ids, ok := parseIDList(text); ok {
		return Input{Kind: IntList, IDs: ids, Text: text}
	}

	return Input{Kind: FreeText, Text: text}
}

// parseIDList parses "7" or "1, 2,3" into ids. Tokens must be plain decimal
// digits after trimming; signs, fractions and empty tokens reject the whole
// input.
func parseIDList(text string) ([]int, bool) {
	if text == "" {
		return nil, false
	}

	parts := strings.Split(text, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

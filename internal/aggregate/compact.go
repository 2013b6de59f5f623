package aggregate

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CompactSection is one numbered section of a continuation summary, e.g.
// "1. Primary Request and Intent:".
type CompactSection struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
}

// CompactMessage is one continuation message with its summary parsed.
type CompactMessage struct {
	Text         string           `json:"text"`
	TurnIndex    int              `json:"turnIndex"`
	LineIndex    int              `json:"lineIndex"`
	CompactOrder int              `json:"compactOrder"`
	Timestamp    time.Time        `json:"timestamp,omitempty"`
	Sections     []CompactSection `json:"sections,omitempty"`
}

// Section headers are numbered lines ending in a colon. Bodies run to the
// next header.
var compactSectionRe = regexp.MustCompile(`(?m)^\s{0,3}(?:\*\*)?(\d+)\.\s+([^\n]*?)(?:\*\*)?:(?:\*\*)?\s*$`)

// CompactMessages returns every continuation message of the session in
// compaction order.
func (s *Service) CompactMessages(sessionID, cwd string) ([]CompactMessage, error) {
	path, err := s.res.FindSessionFile(sessionID, cwd)
	if err != nil {
		return nil, err
	}
	view, _, err := s.cache.View(path)
	if err != nil {
		return nil, err
	}

	msgs := make([]CompactMessage, 0, view.CompactCount)
	for _, p := range view.UserPrompts {
		if !p.IsCompactSummary {
			continue
		}
		msgs = append(msgs, CompactMessage{
			Text:         p.Text,
			TurnIndex:    p.TurnIndex,
			LineIndex:    p.LineIndex,
			CompactOrder: p.CompactOrder,
			Timestamp:    p.Timestamp,
			Sections:     parseCompactSections(p.Text),
		})
	}
	return msgs, nil
}

func parseCompactSections(text string) []CompactSection {
	locs := compactSectionRe.FindAllStringSubmatchIndex(text, -1)
	sections := make([]CompactSection, 0, len(locs))
	for i, loc := range locs {
		num, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, CompactSection{
			Number: num,
			Title:  strings.Trim(text[loc[4]:loc[5]], "* "),
			Body:   strings.TrimSpace(text[loc[1]:end]),
		})
	}
	return sections
}

// MessagesFrom returns raw records at or after a line index, capped at
// limit when positive. The catch-up path after a compact boundary.
func (s *Service) MessagesFrom(sessionID, cwd string, fromLineIndex, limit int) ([]json.RawMessage, error) {
	path, err := s.res.FindSessionFile(sessionID, cwd)
	if err != nil {
		return nil, err
	}
	raws, _, err := s.cache.RawMessages(path)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(raws))
	for _, rec := range raws {
		if rec.LineIndex < fromLineIndex {
			continue
		}
		out = append(out, rec.Raw)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

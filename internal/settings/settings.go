// Package settings holds the runtime posting configuration: tag groups,
// cadence and the optional content filter. It is operator-editable at
// runtime and persisted to a small JSON file.
package settings

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultTagGroups is the built-in tag configuration used when nothing
// usable has been persisted yet.
var DefaultTagGroups = [][]string{
	{"safe"},
	{"safe", "cute"},
	{"safe", "landscape"},
}

// Settings is one immutable snapshot of the posting configuration.
type Settings struct {
	TagGroups       [][]string `json:"tags"`
	IntervalMinutes int        `json:"post_interval_minutes"`
	FilterID        *int       `json:"filter_id"`
}

// Clone deep-copies the snapshot so readers can never alias store state.
func (s Settings) Clone() Settings {
	cp := s
	cp.TagGroups = cloneGroups(s.TagGroups)
	if s.FilterID != nil {
		v := *s.FilterID
		cp.FilterID = &v
	}
	return cp
}

// TagsText renders the tag groups back to the freeform one-group-per-line
// format operators edit.
func (s Settings) TagsText() string {
	lines := make([]string, 0, len(s.TagGroups))
	for _, g := range s.TagGroups {
		lines = append(lines, strings.Join(g, ", "))
	}
	return strings.Join(lines, "\n")
}

var tokenSep = regexp.MustCompile(`[ ,]+`)

// ParseTagLines turns freeform text into tag groups: one group per line,
// tokens split on whitespace/commas, empties dropped. Lines that yield no
// tokens produce no group.
func ParseTagLines(raw string) [][]string {
	var groups [][]string
	for _, line := range strings.Split(raw, "\n") {
		var group []string
		for _, tok := range tokenSep.Split(line, -1) {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				group = append(group, tok)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func cloneGroups(groups [][]string) [][]string {
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, append([]string(nil), g...))
	}
	return out
}

// normalizeRaw decodes a persisted settings document field by field,
// tolerating the shapes earlier versions wrote. Any field that fails to
// validate falls back to the supplied defaults.
type rawSettings struct {
	Tags            json.RawMessage `json:"tags"`
	IntervalMinutes json.RawMessage `json:"post_interval_minutes"`
	FilterID        json.RawMessage `json:"filter_id"`
}

// normalizeTags accepts an array whose elements are either token arrays or
// line strings. Anything else (including the whole field being a non-array)
// yields nil, which callers replace with the defaults.
func normalizeTags(raw json.RawMessage) [][]string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var groups [][]string
	for _, item := range items {
		var asList []string
		if err := json.Unmarshal(item, &asList); err == nil {
			var group []string
			for _, tok := range asList {
				tok = strings.TrimSpace(tok)
				if tok != "" {
					group = append(group, tok)
				}
			}
			if len(group) > 0 {
				groups = append(groups, group)
			}
			continue
		}
		var asLine string
		if err := json.Unmarshal(item, &asLine); err == nil {
			if gg := ParseTagLines(asLine); len(gg) > 0 {
				groups = append(groups, gg[0])
			}
		}
	}
	return groups
}

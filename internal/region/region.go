// Package region classifies free-text procedure descriptions into body-region
// tags using an ordered keyword table.
package region

import (
	"strings"

	"imagedeid/internal/config"
)

// Entry is one row of the keyword table.
type Entry struct {
	Tag      string
	Name     string
	Keywords []string
}

// Result lists matched regions in table order.
type Result struct {
	Tags  []string
	Names []string
}

// Empty reports whether no region matched.
func (r Result) Empty() bool {
	return len(r.Tags) == 0
}

// String renders the label fragment, e.g. "BS_brain_spine". An empty result
// renders as "".
func (r Result) String() string {
	if r.Empty() {
		return ""
	}
	return strings.Join(r.Tags, "") + "_" + strings.Join(r.Names, "_")
}

// Classifier matches descriptions against an ordered keyword table.
type Classifier struct {
	entries []Entry
}

// New builds a classifier over entries. Keywords are matched
// case-insensitively as substrings.
func New(entries []Entry) *Classifier {
	cleaned := make([]Entry, 0, len(entries))
	for _, e := range entries {
		keywords := make([]string, 0, len(e.Keywords))
		for _, kw := range e.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		cleaned = append(cleaned, Entry{Tag: e.Tag, Name: e.Name, Keywords: keywords})
	}
	return &Classifier{entries: cleaned}
}

// FromConfig builds a classifier from the configured region table, falling
// back to the built-in table when none is configured.
func FromConfig(regions []config.Region) *Classifier {
	if len(regions) == 0 {
		regions = config.DefaultRegions()
	}
	entries := make([]Entry, len(regions))
	for i, r := range regions {
		entries[i] = Entry{Tag: r.Tag, Name: r.Name, Keywords: r.Keywords}
	}
	return New(entries)
}

// Classify returns every region whose keywords occur in desc.
func (c *Classifier) Classify(desc string) Result {
	lowered := strings.ToLower(desc)
	var res Result
	if strings.TrimSpace(lowered) == "" {
		return res
	}
	for _, e := range c.entries {
		for _, kw := range e.Keywords {
			if strings.Contains(lowered, kw) {
				res.Tags = append(res.Tags, e.Tag)
				res.Names = append(res.Names, e.Name)
				break
			}
		}
	}
	return res
}

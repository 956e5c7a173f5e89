// Package settings derives host-page settings from the page URL and the
// loaded configuration.
package settings

import (
	"net/url"
	"regexp"
	"unicode/utf8"

	"github.com/marginalia/framesync/pkg/types"
)

// Highlight visibility modes.
const (
	HighlightsAlways          = "always"
	HighlightsNever           = "never"
	HighlightsWhenSidebarOpen = "whenSidebarOpen"
)

var (
	annotationsFragment = regexp.MustCompile(`^annotations:([A-Za-z0-9_-]+)$`)
	groupFragment       = regexp.MustCompile(`^annotations:group:([A-Za-z0-9_-]+)$`)
	queryFragment       = regexp.MustCompile(`(?i)^annotations:(?:query|q):(.+)$`)
)

// Settings are the host-page settings carried in the URL fragment. Empty
// fields are absent.
type Settings struct {
	// Annotations is the id of an annotation to show directly.
	Annotations string `json:"annotations,omitempty"`
	// Group is the id of the group to focus.
	Group string `json:"group,omitempty"`
	// Query is a search query for the sidebar.
	Query string `json:"query,omitempty"`
}

// FromURL parses the settings from the fragment of rawURL. Anything that does
// not parse is treated as absent.
func FromURL(rawURL string) Settings {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Settings{}
	}
	fragment := u.EscapedFragment()

	var s Settings
	if m := annotationsFragment.FindStringSubmatch(fragment); m != nil {
		s.Annotations = m[1]
	}
	if m := groupFragment.FindStringSubmatch(fragment); m != nil {
		s.Group = m[1]
	}
	if m := queryFragment.FindStringSubmatch(fragment); m != nil {
		if q, err := url.PathUnescape(m[1]); err == nil && utf8.ValidString(q) {
			s.Query = q
		}
	}
	return s
}

// ShowHighlights normalises a showHighlights value: booleans map to "always"
// and "never", a missing value means "always" and anything else passes
// through unchanged.
func ShowHighlights(v any) any {
	switch v := v.(type) {
	case nil:
		return HighlightsAlways
	case bool:
		if v {
			return HighlightsAlways
		}
		return HighlightsNever
	default:
		return v
	}
}

// HighlightsVisible reports whether highlights start out visible for the
// normalised mode, given whether the sidebar is open.
func HighlightsVisible(mode any, sidebarOpen bool) bool {
	switch mode {
	case HighlightsNever:
		return false
	case HighlightsWhenSidebarOpen:
		return sidebarOpen
	default:
		return true
	}
}

// FromConfig returns the normalised highlight mode of cfg.
func FromConfig(cfg *types.Config) any {
	if cfg == nil {
		return HighlightsAlways
	}
	return ShowHighlights(cfg.ShowHighlights)
}

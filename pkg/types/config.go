package types

// Config represents the framesync configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Origin the sidebar and notebook apps are served from. Channels that carry
	// privileged data (host-sidebar, notebook-sidebar) are only granted to
	// frames with this exact origin.
	AppsOrigin string `json:"appsOrigin,omitempty"`

	// Highlight visibility: "always", "never", "whenSidebarOpen", or a bool.
	ShowHighlights any `json:"showHighlights,omitempty"`

	// Identifier reported by guests running in a sub-frame.
	SubFrameIdentifier string `json:"subFrameIdentifier,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	Server *ServerConfig `json:"server,omitempty"`

	Anchoring *AnchoringConfig `json:"anchoring,omitempty"`

	Discovery *DiscoveryConfig `json:"discovery,omitempty"`
}

// ServerConfig holds HTTP surface configuration.
type ServerConfig struct {
	Port       int  `json:"port,omitempty"`
	EnableCORS bool `json:"enableCors,omitempty"`
}

// AnchoringConfig tunes selector resolution.
type AnchoringConfig struct {
	// FuzzyThreshold is the diff-match-patch match threshold (0 exact .. 1 loose).
	FuzzyThreshold float64 `json:"fuzzyThreshold,omitempty"`
	// ContextLength is the prefix/suffix length recorded by Describe.
	ContextLength int `json:"contextLength,omitempty"`
}

// DiscoveryConfig tunes endpoint discovery.
type DiscoveryConfig struct {
	// Timeout in milliseconds for a frame to obtain its endpoints.
	Timeout int `json:"timeout,omitempty"`
}

// Package config loads the framesync configuration.
//
// # Configuration Loading
//
// Load merges configuration from these sources, later ones winning:
//
//  1. Global config: framesync.json / framesync.jsonc in FRAMESYNC_CONFIG_DIR,
//     or ~/.config/framesync (XDG_CONFIG_HOME is honoured)
//  2. Project config: framesync.json(c) and .framesync/framesync.json(c) in
//     the directory passed to Load
//  3. The file named by FRAMESYNC_CONFIG
//  4. Inline JSON in FRAMESYNC_CONFIG_CONTENT
//  5. FRAMESYNC_APPS_ORIGIN, FRAMESYNC_LOG_LEVEL, FRAMESYNC_SHOW_HIGHLIGHTS
//
// Missing files are skipped. A file that does not parse is skipped as well.
//
// # Supported Formats
//
// Files may contain comments and trailing commas (JSONC); they are stripped
// with tidwall/jsonc before decoding.
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} expands to the environment variable
//   - {file:path} expands to the file's content, escaped for a JSON string;
//     relative paths resolve against the config file's directory and ~/
//     against HOME
//
// Example:
//
//	{
//	  // origin of the sidebar app
//	  "appsOrigin": "{env:APPS_ORIGIN}",
//	  "showHighlights": "whenSidebarOpen",
//	  "anchoring": {"fuzzyThreshold": 0.3, "contextLength": 24},
//	  "server": {"port": 4097},
//	}
//
// # Merging
//
// Scalars overwrite. The server, anchoring and discovery sections are merged
// field by field, so a project file can override a single anchoring setting
// from the global file.
package config

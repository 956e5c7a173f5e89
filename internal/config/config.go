package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/marginalia/framesync/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig         = "FRAMESYNC_CONFIG"
	EnvConfigContent  = "FRAMESYNC_CONFIG_CONTENT"
	EnvConfigDir      = "FRAMESYNC_CONFIG_DIR"
	EnvAppsOrigin     = "FRAMESYNC_APPS_ORIGIN"
	EnvLogLevel       = "FRAMESYNC_LOG_LEVEL"
	EnvShowHighlights = "FRAMESYNC_SHOW_HIGHLIGHTS"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/framesync/)
// 2. Project config (framesync.json, .framesync/)
// 3. FRAMESYNC_CONFIG file
// 4. FRAMESYNC_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetConfigDir()
	loadOnce(filepath.Join(globalPath, "framesync.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "framesync.jsonc"), globalPath)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".framesync")
		loadOnce(filepath.Join(directory, "framesync.json"), directory)
		loadOnce(filepath.Join(directory, "framesync.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "framesync.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "framesync.jsonc"), projectConfigDir)
	}

	if configPath := os.Getenv(EnvConfig); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if configContent := os.Getenv(EnvConfigContent); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		// Escape for a JSON string, without the surrounding quotes.
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target. Scalars overwrite, nested
// sections are merged field by field.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.AppsOrigin != "" {
		target.AppsOrigin = source.AppsOrigin
	}
	if source.ShowHighlights != nil {
		target.ShowHighlights = source.ShowHighlights
	}
	if source.SubFrameIdentifier != "" {
		target.SubFrameIdentifier = source.SubFrameIdentifier
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if source.Server != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		if source.Server.Port != 0 {
			target.Server.Port = source.Server.Port
		}
		if source.Server.EnableCORS {
			target.Server.EnableCORS = true
		}
	}

	if source.Anchoring != nil {
		if target.Anchoring == nil {
			target.Anchoring = &types.AnchoringConfig{}
		}
		if source.Anchoring.FuzzyThreshold != 0 {
			target.Anchoring.FuzzyThreshold = source.Anchoring.FuzzyThreshold
		}
		if source.Anchoring.ContextLength != 0 {
			target.Anchoring.ContextLength = source.Anchoring.ContextLength
		}
	}

	if source.Discovery != nil {
		if target.Discovery == nil {
			target.Discovery = &types.DiscoveryConfig{}
		}
		if source.Discovery.Timeout != 0 {
			target.Discovery.Timeout = source.Discovery.Timeout
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if origin := os.Getenv(EnvAppsOrigin); origin != "" {
		config.AppsOrigin = origin
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.LogLevel = level
	}
	if show := os.Getenv(EnvShowHighlights); show != "" {
		if b, err := strconv.ParseBool(show); err == nil {
			config.ShowHighlights = b
		} else {
			config.ShowHighlights = show
		}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the global config directory: FRAMESYNC_CONFIG_DIR if
// set, otherwise the XDG location.
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return GetPaths().Config
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/telnet2/patchsync/internal/logging"
	"github.com/telnet2/patchsync/pkg/types"
)

// Defaults used when neither files nor environment set a value.
const (
	DefaultPort      = 7700
	DefaultHostname  = "127.0.0.1"
	DefaultHeartbeat = "15s"
)

var configNames = []string{"patchsync.json", "patchsync.jsonc", "patchsync.yaml", "patchsync.yml"}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/patchsync/)
// 2. Project config (<directory>/ and <directory>/.patchsync/)
// 3. PATCHSYNC_CONFIG file
// 4. PATCHSYNC_CONFIG_CONTENT inline JSON
// 5. Environment variables, after loading <directory>/.env
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		err = loadConfigFile(path, config, baseDir)
		switch {
		case err == nil:
			loaded[absPath] = true
		case !os.IsNotExist(err):
			logging.Warn().Err(err).Str("path", path).Msg("skipping config file")
		}
	}

	// 1. XDG global config
	globalPath := GetPaths().Config
	for _, name := range configNames {
		loadOnce(filepath.Join(globalPath, name), globalPath)
	}

	// 2. Project config
	if directory != "" {
		projectConfigDir := ProjectConfigDir(directory)
		for _, name := range configNames {
			loadOnce(filepath.Join(directory, name), directory)
		}
		for _, name := range configNames {
			loadOnce(filepath.Join(projectConfigDir, name), projectConfigDir)
		}
	}

	// 3. PATCHSYNC_CONFIG file override
	if configPath := os.Getenv("PATCHSYNC_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. PATCHSYNC_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("PATCHSYNC_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err != nil {
			return nil, fmt.Errorf("PATCHSYNC_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	// 5. .env does not override variables that are already set.
	if directory != "" {
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Msg("failed to load .env")
		}
	}
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFile loads a single JSON, JSONC or YAML file with interpolation.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir)
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
		if err := adoptYAMLChannels(&fileConfig); err != nil {
			return err
		}
	default:
		data = interpolate(jsonc.ToJSON(data), baseDir)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// adoptYAMLChannels re-encodes YAML channel values as JSON.
func adoptYAMLChannels(config *types.Config) error {
	if len(config.YAMLChannels) == 0 {
		return nil
	}
	config.Channels = make(map[string]json.RawMessage, len(config.YAMLChannels))
	for id, v := range config.YAMLChannels {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
		config.Channels[id] = raw
	}
	config.YAMLChannels = nil
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

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

		// Escape for a double-quoted JSON (or YAML) string
		escaped := strings.ReplaceAll(strings.TrimRight(string(content), "\n"), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}

	if source.Server != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		if source.Server.Port != 0 {
			target.Server.Port = source.Server.Port
		}
		if source.Server.Hostname != "" {
			target.Server.Hostname = source.Server.Hostname
		}
		if source.Server.CORS != nil {
			target.Server.CORS = source.Server.CORS
		}
		if source.Server.MCP != nil {
			target.Server.MCP = source.Server.MCP
		}
		if source.Server.Heartbeat != "" {
			target.Server.Heartbeat = source.Server.Heartbeat
		}
	}

	if source.Hub != nil {
		if target.Hub == nil {
			target.Hub = &types.HubConfig{}
		}
		if source.Hub.QueueCapacity != 0 {
			target.Hub.QueueCapacity = source.Hub.QueueCapacity
		}
		if source.Hub.HistorySize != nil {
			target.Hub.HistorySize = source.Hub.HistorySize
		}
		if source.Hub.Persist != nil {
			target.Hub.Persist = source.Hub.Persist
		}
	}

	if source.Log != nil {
		if target.Log == nil {
			target.Log = &types.LogConfig{}
		}
		if source.Log.Level != "" {
			target.Log.Level = source.Log.Level
		}
		if source.Log.Pretty {
			target.Log.Pretty = true
		}
	}

	if source.Channels != nil {
		if target.Channels == nil {
			target.Channels = make(map[string]json.RawMessage)
		}
		for k, v := range source.Channels {
			target.Channels[k] = v
		}
	}
}

// applyEnvOverrides applies PATCHSYNC_* environment variables.
func applyEnvOverrides(config *types.Config) error {
	server := func() *types.ServerConfig {
		if config.Server == nil {
			config.Server = &types.ServerConfig{}
		}
		return config.Server
	}
	hub := func() *types.HubConfig {
		if config.Hub == nil {
			config.Hub = &types.HubConfig{}
		}
		return config.Hub
	}

	if v := os.Getenv("PATCHSYNC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PATCHSYNC_PORT: %w", err)
		}
		server().Port = port
	}
	if v := os.Getenv("PATCHSYNC_HOSTNAME"); v != "" {
		server().Hostname = v
	}
	if v := os.Getenv("PATCHSYNC_HEARTBEAT"); v != "" {
		server().Heartbeat = v
	}
	if v := os.Getenv("PATCHSYNC_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PATCHSYNC_QUEUE_CAPACITY: %w", err)
		}
		hub().QueueCapacity = n
	}
	if v := os.Getenv("PATCHSYNC_HISTORY_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PATCHSYNC_HISTORY_SIZE: %w", err)
		}
		hub().HistorySize = &n
	}
	if v := os.Getenv("PATCHSYNC_PERSIST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PATCHSYNC_PERSIST: %w", err)
		}
		hub().Persist = &b
	}
	if v := os.Getenv("PATCHSYNC_LOG_LEVEL"); v != "" {
		if config.Log == nil {
			config.Log = &types.LogConfig{}
		}
		config.Log.Level = v
	}
	return nil
}

// Address returns host:port with defaults applied.
func Address(config *types.Config) string {
	host, port := DefaultHostname, DefaultPort
	if config != nil && config.Server != nil {
		if config.Server.Hostname != "" {
			host = config.Server.Hostname
		}
		if config.Server.Port != 0 {
			port = config.Server.Port
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Save saves the configuration to a file. The format follows the extension.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		out := *config
		out.YAMLChannels = make(map[string]any, len(config.Channels))
		for id, raw := range config.Channels {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("channel %s: %w", id, err)
			}
			out.YAMLChannels[id] = v
		}
		data, err = yaml.Marshal(&out)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

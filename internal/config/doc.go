// Package config loads the patchsync configuration.
//
// # Configuration Loading
//
// Load merges configuration from these sources, later ones winning:
//
//  1. Global config in the XDG config directory (~/.config/patchsync/)
//  2. Project config: patchsync.* in the directory, then .patchsync/patchsync.*
//  3. PATCHSYNC_CONFIG file
//  4. PATCHSYNC_CONFIG_CONTENT inline JSON
//  5. Environment variables, after <directory>/.env has been loaded
//
// # Supported Formats
//
//   - patchsync.json - Standard JSON
//   - patchsync.jsonc - JSON with comments, processed using tidwall/jsonc
//   - patchsync.yaml / patchsync.yml - YAML, decoded with gopkg.in/yaml.v3
//
// Example:
//
//	{
//	  // listen address
//	  "server": {"port": 7700, "heartbeat": "15s"},
//	  "hub": {"queueCapacity": 64, "historySize": 128, "persist": true},
//	  "log": {"level": "debug"},
//	  "channels": {
//	    "count": {"value": 0}
//	  }
//	}
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents, escaped for a quoted string
//
// Relative {file:} paths resolve against the directory of the config file.
//
// # Environment Variable Overrides
//
//   - PATCHSYNC_PORT, PATCHSYNC_HOSTNAME, PATCHSYNC_HEARTBEAT
//   - PATCHSYNC_QUEUE_CAPACITY, PATCHSYNC_HISTORY_SIZE, PATCHSYNC_PERSIST
//   - PATCHSYNC_LOG_LEVEL
//
// # Path Management
//
// Paths follows the XDG Base Directory layout:
//   - Data: ~/.local/share/patchsync (XDG_DATA_HOME), snapshots under storage/
//   - Config: ~/.config/patchsync (XDG_CONFIG_HOME)
//   - State: ~/.local/state/patchsync (XDG_STATE_HOME), logs under log/
package config

// Package config handles configuration loading for the loom client.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Absent keys fall back to defaults, so a missing file is a
// valid (all-defaults) configuration via LoadOrDefault.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  base_url: "${LOOM_GATEWAY_URL}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	socket:
//	  ping_interval: "54s"
//	  pong_timeout: "60s"
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
// # Configuration Sections
//
// Gateway endpoints:
//
//	gateway:
//	  base_url: "http://localhost:8080"  # HTTP API root
//	  socket_url: ""                     # optional WebSocket override
//
// When socket_url is empty, the session socket endpoint is derived from
// base_url (http→ws, https→wss) with /api/session appended.
//
// Identity and auth:
//
//	sender: "loom-user"
//	auth:
//	  token_file: ""  # optional override; default is LOOM_TOKEN, then XDG file
//
// Local history:
//
//	database:
//	  path: "~/.local/share/loom/history.db"  # default honors XDG_DATA_HOME
//	history:
//	  limit: 200  # records restored on startup
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates that gateway.base_url, sender, and database.path are
// non-empty, that history.limit is not negative, and that the socket
// timing bounds are ordered (ping_interval < pong_timeout,
// reconnect_min <= reconnect_max).
package config

// Package config handles configuration loading for localbase.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a local-mode default, so a missing file is not an
// error for the CLI (see LoadOrDefault).
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOCALBASE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/localbase/config.yaml
//  3. ~/.config/localbase/config.yaml
//
// A file ending in .toml is parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${LOCALBASE_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  path: "./data/sqlite/localbase.db"
//	  driver: "sqlite"        # or "sqlite3" for the cgo driver
//	  busy_timeout: "5s"
//
//	auth:
//	  jwt_secret: "..."       # placeholder secret, local use only
//	  issuer: "localbase"
//	  token_expiry: "24h"
//
//	local:
//	  user_id: "local-user-123"
//	  project_id: "local-project-123"
//	  user_email: "local@example.com"
//	  project_name: "Local Project"
//
//	llm:
//	  base_url: "http://localhost:8000/v1"
//	  default_model: "local-mistral"
//	  temperature: 0.7
//	  max_tokens: 4096
//	  request_timeout: "120s"
//	  health_timeout: "5s"
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
//
//	metrics:
//	  enabled: false
//	  path: "/metrics"
package config

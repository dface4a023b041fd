// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Omitted values get defaults, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	slack:
//	  bot_token: "${SLACK_BOT_TOKEN}"
//	  signing_secret: "${SLACK_SIGNING_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	batching:
//	  quiet_period: "3s"
//	  max_wait: "1m"
//	  max_batch: 20
//
// A quiet_period that is set explicitly must be positive; max_wait and
// max_batch of zero disable those triggers.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8090"
//	database:
//	  path: "/var/lib/coven/relay.db"
//	gateway:
//	  url: "http://localhost:8080"
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	slack:
//	  enabled: true
//	  bot_token: "${SLACK_BOT_TOKEN}"
//	  signing_secret: "${SLACK_SIGNING_SECRET}"
//	matrix:
//	  enabled: false
//	logging:
//	  level: info
//	  format: text
package config

// Package config handles configuration loading for tipjard.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. Duration values use Go's time.ParseDuration syntax; money
// values are coin-denominated decimal strings ("1.5") parsed into base
// units through the amount package.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TIPJAR_CONFIG environment variable
//  2. ~/.config/tipjar/tipjard.yaml (respecting XDG_CONFIG_HOME)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	node:
//	  password: "${TIPJAR_RPC_PASSWORD}"
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "~/.local/share/tipjar/tipjar.db"
//
// Node RPC endpoint:
//
//	node:
//	  url: "http://127.0.0.1:22555"
//	  username: "rpcuser"
//	  password: "${TIPJAR_RPC_PASSWORD}"
//	  timeout: "30s"
//
// Coin parameters:
//
//	coin:
//	  symbol: "PEP"
//	  min_conf: 5
//	  scan_interval: "30s"
//	  p2pkh_version: 56
//	  p2sh_version: 22
//
// Withdrawals and faucet:
//
//	withdraw:
//	  fee: "1.0"
//	faucet:
//	  amount: "50"
//	  min: "1"
//	  max: "500"
//	  interval: "2h"
//
// Matrix frontend:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@tipjar:example.org"
//	  access_token: "${TIPJAR_MATRIX_TOKEN}"
//	  command_prefix: "!"
//	  allowed_rooms: []
//	  pickle_key: ""   # set to enable E2EE
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// The 30-minute activity window used for random and split tips is fixed,
// not configuration.
package config

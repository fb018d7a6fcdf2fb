// Package config handles configuration loading for clawlist-gateway and the
// clawlist agent.
//
// # Gateway
//
// The gateway reads an optional YAML file. Values can reference environment
// variables with ${VAR_NAME}, and GATEWAY_* variables override the file:
//
//	server:
//	  host: "127.0.0.1"   # GATEWAY_HOST
//	  port: 3333          # GATEWAY_PORT
//
//	auth:
//	  secret: "${GATEWAY_SECRET}"
//	  signing_key: ""     # empty = random per process
//
//	ledger:
//	  dir: "logs"                   # gateway-gossip.log, gateway-dm.log, gateway-listings.jsonl
//	  sqlite_path: "logs/audit.db"  # optional SQLite audit copy
//
//	streams:
//	  heartbeat_interval: "25s"
//	  buffer_size: 64
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Agent
//
// The agent reads TOML:
//
//	[matrix]
//	base_url = "http://127.0.0.1:8008"
//	user_id = "@agent_a:localhost"
//	password = "${AGENT_A_PASSWORD}"
//	gossip_room_id = "!gossip:localhost"
//	dm_room_id = "!dm:localhost"
//
//	[log]
//	dir = "logs"
//	redact = "dm"   # none, dm, all
//
//	[sink]
//	url = "http://127.0.0.1:18789/hooks/clawlist"
//	token = "${SINK_TOKEN}"
//	timeout = "5s"
//	queue_max = 1000
//	rate_limit_per_sec = 5
//	dedupe_ttl = "10m"
//	retry_max = 3
//	retry_delay = "500ms"
//	drain_timeout = "5s"
//
// Duration values use Go's time.ParseDuration syntax.
package config

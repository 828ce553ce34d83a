// Package config provides configuration management for the tank arena
// server.
//
// The config package handles:
//   - Built-in defaults
//   - An optional YAML configuration file
//   - .env files and environment variables (TANKARENA_*, LOG_LEVEL,
//     NGROK_*)
//   - Validation of the merged result
//
// Configuration Format:
//
//	tcp_addr: ":8888"
//	udp_addr: ":8889"
//	pool_size: 64
//	max_players: 4
//	nats_url: "nats://localhost:4222"
//	reconnect_backoff: 5s
//	journal_path: "events.db"
//
// Environment variables override the file; command-line flags in main
// override both.
//
// Usage:
//
//	cfg, err := config.Load("tankarena.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := cfg.NewLogger()
package config

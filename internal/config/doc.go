// Package config provides configuration parsing for parleyd.
//
// The configuration is stored in parley.toml. This package handles
// loading, defaulting, and validating it; mapping the values onto the
// runtime packages happens in cmd/parleyd.
//
// # Configuration File Structure
//
//	[server]
//	address            = ":8080"
//	max_sessions       = 0
//	heartbeat_interval = "30s"
//	read_timeout       = "60s"
//	max_message_size   = 65536
//	shutdown_timeout   = "30s"
//	enable_tracing     = false
//
//	[store]
//	driver = "sqlite"          # memory, sqlite, or postgres
//	dsn    = "/var/lib/parley/events.db"
//
//	[archive]
//	enabled        = true
//	bucket         = "parley-events"
//	prefix         = "archive/"
//	max_batch      = 256
//	flush_interval = "30s"
//
//	[log]
//	level  = "info"            # debug, info, warn, error
//	format = "text"            # text or json
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if errors.Is(err, os.ErrNotExist) {
//	    cfg = config.New()
//	} else if err != nil {
//	    log.Fatal(err)
//	}
package config

// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every key has a default (see Default), so a file only needs the
// settings it changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEET_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fleet/gateway.yaml
//  3. ~/.config/fleet/gateway.yaml
//
// A path ending in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	telemetry:
//	  redis:
//	    password: "${FLEET_REDIS_PASSWORD}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pool:
//	  heartbeat_interval: "10s"
//	  heartbeat_timeout: "60s"
//	  error_grace_period: "2m"
//
// # Configuration Sections
//
// Pool sizing and health:
//
//	pool:
//	  min_agents: 1
//	  max_agents: 5
//	  default_capability: "chromium"
//	  launch_timeout: "45s"        # must be shorter than heartbeat_timeout
//	  error_budget: 5              # failures per error_budget_window before alerting
//
// Dispatch and autoscaling:
//
//	dispatch:
//	  interval: "1s"
//	  create_on_demand: true
//	  cancel_timeout: "5s"
//	autoscale:
//	  enabled: true
//	  interval: "60s"
//	  cooldown: "2m"
//	  requests_per_agent: 5
//
// Worker runtime:
//
//	runtime:
//	  kind: "playwright"   # playwright, simulated
//	  headless: true
//	  browsers: ["chromium", "firefox"]
//
// History store (leave path empty to keep history in memory only):
//
//	database:
//	  driver: "sqlite"     # sqlite (pure Go), sqlite3 (cgo)
//	  path: "/var/lib/fleet/history.db"
//
// Telemetry sinks and message-bus ingress:
//
//	telemetry:
//	  sample_interval: "5s"
//	  redis: {enabled: true, addr: "localhost:6379"}
//	  nats: {enabled: true, url: "nats://localhost:4222"}
//	ingress:
//	  nats: {enabled: true, subject: "fleet.requests.submit", queue_group: "fleet-gateway"}
//
// Tracing, logging, and metrics:
//
//	tracing:
//	  exporter: "otlphttp"  # none, stdout, otlp, otlphttp
//	  endpoint: "http://collector:4318"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config

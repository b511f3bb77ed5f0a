// ABOUTME: Entry point for the fleet-gateway scheduling server
// ABOUTME: Serves the request queue and agent pool, plus local inspection commands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                   _
 / _| | ___  ___| |_      __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

// getDataPath returns the path to the fleet data directory.
// Priority: XDG_DATA_HOME/fleet > ~/.local/share/fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "fleet")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  agents   List pool agents")
		fmt.Println("  queue    List queued requests")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "queue":
		err = runQueue(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// no file exists at the default location.
func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, configPath, nil
	}
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) && os.Getenv("FLEET_CONFIG") == "" {
		cfg, err = config.LoadDefault()
		if err != nil {
			return nil, "", err
		}
		return cfg, "(defaults)", nil
	}
	return nil, "", fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Runtime:   %s %v\n", cfg.Runtime.Kind, cfg.Runtime.Browsers)
	green.Print("    ▶ ")
	fmt.Printf("Pool:      %d-%d agents", cfg.Pool.MinAgents, cfg.Pool.MaxAgents)
	if !cfg.Autoscale.Enabled {
		yellow.Print(" [autoscale off]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	if cfg.Database.Path == "" {
		fmt.Print("History:   ")
		yellow.Println("in-memory")
	} else {
		fmt.Printf("History:   %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Ingress.NATS.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Ingress:   %s %s\n", cfg.Ingress.NATS.URL, cfg.Ingress.NATS.Subject)
	}

	fmt.Println()

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// getJSON fetches path from the local gateway and decodes the JSON body into v.
func getJSON(ctx context.Context, path string, v any) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	var agents []scheduler.AgentSnapshot
	if err := getJSON(ctx, "/api/agents", &agents); err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	fmt.Printf("%-38s %-10s %-12s %s\n", "ID", "CAPABILITY", "STATUS", "REQUEST")
	for _, a := range agents {
		fmt.Printf("%-38s %-10s %-12s %s\n", a.ID, a.Capability, statusColor(string(a.Status)), a.CurrentRequestID)
	}
	return nil
}

func runQueue(ctx context.Context) error {
	var queue []scheduler.QueueEntry
	if err := getJSON(ctx, "/api/requests", &queue); err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}
	if len(queue) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	fmt.Printf("%-4s %-38s %-9s %-10s %s\n", "POS", "ID", "PRIORITY", "CAPABILITY", "ETA")
	for _, e := range queue {
		eta := time.Until(e.EstimatedStartTime).Round(time.Second)
		if eta < 0 {
			eta = 0
		}
		fmt.Printf("%-4d %-38s %-9s %-10s %s\n", e.Position, e.ID, e.Priority, e.Capability, eta)
	}
	return nil
}

// statusColor pads status to the table column and colors it by health.
func statusColor(status string) string {
	padded := fmt.Sprintf("%-12s", status)
	switch scheduler.AgentStatus(status) {
	case scheduler.AgentAvailable:
		return color.GreenString(padded)
	case scheduler.AgentBusy:
		return color.CyanString(padded)
	case scheduler.AgentError, scheduler.AgentOffline:
		return color.RedString(padded)
	case scheduler.AgentMaintenance, scheduler.AgentStarting:
		return color.YellowString(padded)
	default:
		return padded
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "history.db")

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- History Store ---")
	dbPath := prompt(reader, "SQLite database path (\"none\" for in-memory)", defaultDbPath)
	if strings.EqualFold(dbPath, "none") {
		dbPath = ""
	}

	fmt.Println("\n--- Agent Pool ---")
	minAgents := prompt(reader, "Minimum agents", "1")
	maxAgents := prompt(reader, "Maximum agents", "5")
	runtimeKind := prompt(reader, "Runtime (simulated/playwright)", "simulated")
	browsers := prompt(reader, "Browsers (comma separated)", "chromium")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "fleet-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# fleet-gateway configuration\n")
	cfg.WriteString("# Generated by fleet-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("pool:\n")
	fmt.Fprintf(&cfg, "  min_agents: %s\n", minAgents)
	fmt.Fprintf(&cfg, "  max_agents: %s\n", maxAgents)
	cfg.WriteString("  heartbeat_interval: \"10s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"60s\"\n")
	cfg.WriteString("  launch_timeout: \"45s\"\n\n")

	cfg.WriteString("runtime:\n")
	fmt.Fprintf(&cfg, "  kind: %q\n", runtimeKind)
	cfg.WriteString("  browsers:\n")
	for _, b := range strings.Split(browsers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			fmt.Fprintf(&cfg, "    - %q\n", b)
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("Data directory: %s\n", filepath.Dir(dbPath))
	}

	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  FLEET_CONFIG=%s fleet-gateway serve\n", outputFile)

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

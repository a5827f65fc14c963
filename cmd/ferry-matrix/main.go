// ABOUTME: Entry point for the ferry-matrix bridge
// ABOUTME: Connects Matrix rooms to ferry-gateway as the operator control plane

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ferry-gateway/internal/matrix"
)

const banner = `
  __                                       _        _
 / _| ___ _ __ _ __ _   _       _ __ ___  __ _| |_ _ __(_)_  __
| |_ / _ \ '__| '__| | | |_____| '_ ' _ \/ _' | __| '__| \ \/ /
|  _|  __/ |  | |  | |_| |_____| | | | | | (_| | |_| |  | |>  <
|_|  \___|_|  |_|   \__, |     |_| |_| |_|\__,_|\__|_|  |_/_/\_\
                    |___/
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := matrix.ConfigPath()
	dataPath := matrix.DataPath()

	cfg, err := matrix.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	if len(cfg.Bridge.AllowedRooms) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Rooms:      %s\n", strings.Join(cfg.Bridge.AllowedRooms, ", "))
	}
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := matrix.NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer bridge.Close()

	// Crypto setup needs the device ID from login.
	if err := bridge.Login(ctx); err != nil {
		return err
	}

	if cfg.Matrix.RecoveryKey != "" {
		crypto, err := matrix.SetupCrypto(ctx, bridge.Client(), cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer crypto.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := matrix.ConfigPath()
	reader := bufio.NewReader(os.Stdin)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	ask := func(question, defaultVal string) string {
		green.Print("    ▶ ")
		if defaultVal != "" {
			fmt.Printf("%s [%s]: ", question, defaultVal)
		} else {
			fmt.Printf("%s: ", question)
		}
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return defaultVal
		}
		return answer
	}

	homeserver := ask("Matrix homeserver URL", "https://matrix.org")
	username := ask("Matrix username", "")
	password := ask("Matrix password", "")
	recoveryKey := ask("Matrix recovery key (optional, for E2EE)", "")
	gatewayURL := ask("Gateway URL", "http://localhost:8080")
	rooms := ask("Allowed room IDs, comma separated (optional)", "")
	prefix := ask("Command prefix (optional, e.g. '!ferry')", "")

	var quoted []string
	for _, r := range strings.Split(rooms, ",") {
		if r = strings.TrimSpace(r); r != "" {
			quoted = append(quoted, fmt.Sprintf("%q", r))
		}
	}

	var b strings.Builder
	b.WriteString("# ferry-matrix bridge configuration\n# Generated by ferry-matrix init\n\n")
	b.WriteString("[matrix]\n")
	fmt.Fprintf(&b, "homeserver = %q\nusername = %q\npassword = %q\n", homeserver, username, password)
	if recoveryKey != "" {
		fmt.Fprintf(&b, "recovery_key = %q\n", recoveryKey)
	}
	fmt.Fprintf(&b, "\n[gateway]\nurl = %q\n", gatewayURL)
	b.WriteString("\n[bridge]\n")
	b.WriteString("# Rooms double as agent scopes (empty = every joined room)\n")
	fmt.Fprintf(&b, "allowed_rooms = [%s]\n", strings.Join(quoted, ", "))
	b.WriteString("# Require messages to start with this prefix (empty = respond to all)\n")
	fmt.Fprintf(&b, "command_prefix = %q\n", prefix)
	b.WriteString("list_command = \"/list\"\n")
	b.WriteString("typing_indicator = true\n")
	b.WriteString("announce_online = true\n")
	b.WriteString("auto_join = true\n")
	b.WriteString("\n[logging]\nlevel = \"info\"\n")

	if _, err := matrix.Parse(b.String()); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Invite the bot to your operations room")
	fmt.Println("    2. Run: ferry-matrix")
	fmt.Println()

	return nil
}

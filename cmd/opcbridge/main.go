package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	opcbridge "github.com/TailGuy/opcbridge"
	"github.com/TailGuy/opcbridge/internal/config"
	"github.com/TailGuy/opcbridge/internal/domain"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "status":
		err = statusCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("opcbridge %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to bridge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bridge, err := opcbridge.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return bridge.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.Load(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s is valid\n", *cfgPath)
	return nil
}

func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080/status", "Management API status endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval (0 prints once)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *interval <= 0 {
		return printStatus(*url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Polling %s (Ctrl+C to stop)\n", *url)
	for {
		if err := printStatus(*url); err != nil {
			fmt.Fprintf(os.Stderr, "status error: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStatus(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var st domain.BridgeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}

	fmt.Printf("[%s] session=%s rev=%d uptime=%.0fs",
		time.Now().Format(time.RFC3339), st.SessionState, st.RegistryRevision, st.UptimeSeconds)
	for _, s := range st.Sinks {
		fmt.Printf(" %s=%d/%d(dropped=%d,delivered=%d)",
			s.Name, s.Buffered, s.Capacity, s.Dropped, s.Delivered)
	}
	fmt.Println()
	if st.LastError != "" {
		fmt.Printf("  last error: %s\n", st.LastError)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`opcbridge

Usage:
  opcbridge <command> [flags]

Commands:
  run        Start the bridge using the provided config
  validate   Load and validate a config file without starting the bridge
  status     Poll the management API status endpoint and print live state

Examples:
  opcbridge run -config ./config.yaml
  opcbridge validate -config ./config.yaml
  opcbridge status -url http://localhost:8080/status -interval 1s
`)
}

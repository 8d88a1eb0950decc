package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/warden/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// label pads a report key to a fixed display width. runewidth counts
// terminal cells, so wide runes in config-sourced names stay aligned.
func label(s string, width int) string {
	return runewidth.FillRight(s+":", width)
}

func runDoctor() {
	fmt.Println("warden doctor")
	fmt.Printf("  %s %s\n", label("Version", 10), Version)
	fmt.Printf("  %s %s/%s\n", label("OS", 10), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %s %s\n", label("Go", 10), runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  %s %s", label("Config", 10), cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Store:")
	if cfg.UsesPostgres() {
		fmt.Printf("    %s postgres\n", label("Driver", 12))
	} else {
		fmt.Printf("    %s sqlite\n", label("Driver", 12))
		checkPath("Path", cfg.StorePath())
	}
	fmt.Printf("    %s %s\n", label("Schema", 12), schemaStatus())

	fmt.Println()
	fmt.Println("  Data:")
	checkPath("Root", cfg.DataRootPath())
	checkPath("IPC", cfg.IPCRoot())
	checkPath("Workspaces", cfg.WorkspacesRoot())

	fmt.Println()
	fmt.Println("  Worker:")
	fmt.Printf("    %s %s\n", label("Image", 12), cfg.Worker.Image)
	cmdLine := cfg.Worker.Command
	if len(cfg.Worker.Args) > 0 {
		cmdLine += " " + strings.Join(cfg.Worker.Args, " ")
	}
	fmt.Printf("    %s %s\n", label("Command", 12), cmdLine)
	fmt.Printf("    %s %d concurrent, %ds turn, %ds idle\n", label("Limits", 12),
		cfg.Worker.MaxConcurrent, cfg.Worker.TimeoutSeconds, cfg.Worker.IdleTimeoutSeconds)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")

	fmt.Println()
	fmt.Println("  Security:")
	checkSecret("Cop key", cfg.Security.Cop.APIKey)
	if cfg.Security.Cop.BaseURL != "" {
		fmt.Printf("    %s %s (%s)\n", label("Cop URL", 12), cfg.Security.Cop.BaseURL, orDefault(cfg.Security.Cop.Model, "no model"))
	}
	fmt.Printf("    %s %ds approval timeout, %dd audit retention\n", label("Timeouts", 12),
		cfg.Security.ApprovalTimeoutSeconds, cfg.Security.AuditRetentionDays)

	fmt.Println()
	fmt.Println("  Gateway:")
	if cfg.Gateway.Enabled {
		fmt.Printf("    %s %s\n", label("Bind", 12), cfg.Gateway.Bind)
	} else {
		fmt.Printf("    %s disabled\n", label("Bind", 12))
	}
	if cfg.Gateway.Tailscale.AuthKey != "" {
		fmt.Printf("    %s %s\n", label("Tailscale", 12), orDefault(cfg.Gateway.Tailscale.Hostname, "warden"))
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPath(name, path string) {
	fmt.Printf("    %s %s", label(name, 12), path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %s %s\n", label(name, 12), status)
}

func checkSecret(name, key string) {
	if key == "" {
		fmt.Printf("    %s (not configured)\n", label(name, 12))
		return
	}
	masked := "***"
	if len(key) > 8 {
		masked = key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
	fmt.Printf("    %s %s\n", label(name, 12), masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %s NOT FOUND\n", label(name, 12))
	} else {
		fmt.Printf("    %s %s\n", label(name, 12), path)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/warden/internal/config"
)

func authTelegramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-telegram",
		Short: "Configure the Telegram channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			token := cfg.Channels.Telegram.Token
			allow := strings.Join(cfg.Channels.Telegram.AllowFrom, ", ")
			stream := orDefault(cfg.Channels.Telegram.StreamMode, "off")

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Bot token").
						Description("From @BotFather on Telegram.").
						EchoMode(huh.EchoModePassword).
						Validate(requireValue("token")).
						Value(&token),
					huh.NewInput().
						Title("Allowed senders").
						Description("Comma-separated user IDs. Empty allows everyone.").
						Value(&allow),
					huh.NewSelect[string]().
						Title("Streaming").
						Description("Progress delivery while the agent works.").
						Options(
							huh.NewOption("Final message only", "off"),
							huh.NewOption("Edit message with partials", "partial"),
						).
						Value(&stream),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.Channels.Telegram.Enabled = true
			cfg.Channels.Telegram.Token = token
			cfg.Channels.Telegram.AllowFrom = splitList(allow)
			cfg.Channels.Telegram.StreamMode = stream

			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Telegram channel saved to %s. Start the host with: warden run\n", cfgPath)
			return nil
		},
	}
}

func authDiscordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-discord",
		Short: "Configure the Discord channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			token := cfg.Channels.Discord.Token
			allow := strings.Join(cfg.Channels.Discord.AllowFrom, ", ")

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Bot token").
						Description("From the Discord developer portal. Needs the message content intent.").
						EchoMode(huh.EchoModePassword).
						Validate(requireValue("token")).
						Value(&token),
					huh.NewInput().
						Title("Allowed senders").
						Description("Comma-separated user IDs. Empty allows everyone.").
						Value(&allow),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.Channels.Discord.Enabled = true
			cfg.Channels.Discord.Token = token
			cfg.Channels.Discord.AllowFrom = splitList(allow)

			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Discord channel saved to %s. Start the host with: warden run\n", cfgPath)
			return nil
		},
	}
}

func authWhatsAppCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-whatsapp",
		Short: "Configure the WhatsApp bridge channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			bridge := cfg.Channels.WhatsApp.BridgeURL
			allow := strings.Join(cfg.Channels.WhatsApp.AllowFrom, ", ")

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Bridge websocket URL").
						Description("The warden-whatsapp bridge endpoint, e.g. ws://localhost:3001/ws.").
						Validate(requireValue("bridge URL")).
						Value(&bridge),
					huh.NewInput().
						Title("Allowed senders").
						Description("Comma-separated phone numbers. Empty allows everyone.").
						Value(&allow),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.Channels.WhatsApp.Enabled = true
			cfg.Channels.WhatsApp.BridgeURL = bridge
			cfg.Channels.WhatsApp.AllowFrom = splitList(allow)

			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("WhatsApp channel saved to %s. Start the host with: warden run\n", cfgPath)
			return nil
		},
	}
}

func requireValue(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func splitList(s string) config.FlexibleStringSlice {
	parts := strings.Split(s, ",")
	out := make(config.FlexibleStringSlice, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/internal/config"
)

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated sample config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(flags.configPath); err != nil {
				return err
			}
			fmt.Println("wrote", flags.configPath)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fmt.Printf("endpoint:   %s\n", cfg.Endpoint)
			fmt.Printf("model:      %s\n", cfg.Model)
			fmt.Printf("voice:      %s\n", cfg.Voice)
			fmt.Printf("user:       %s\n", cfg.UserID)
			fmt.Printf("settings:   %s\n", cfg.SettingsDB)
			fmt.Printf("video:      enabled=%v interval=%s quality=%d\n",
				cfg.Video.Enabled, cfg.VideoInterval(), cfg.Video.JPEGQuality)
			fmt.Printf("reconnect:  enabled=%v attempts=%d\n",
				cfg.Reconnect.Enabled, cfg.Reconnect.MaxAttempts)
			if cfg.APIKey != "" {
				fmt.Println("api key:    set")
			} else {
				fmt.Println("api key:    missing")
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

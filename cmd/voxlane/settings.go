package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/pkg/settings"
)

func newSettingsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change saved conversation preferences",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(flags)
			if err != nil {
				return err
			}
			defer store.Close()

			profile, err := store.Get(cmd.Context(), cfg.UserID)
			if err != nil {
				return err
			}
			if profile == (settings.Profile{}) {
				fmt.Println("no saved preferences; built-in defaults apply")
				return nil
			}
			fmt.Printf("user:    %s\n", profile.UserID)
			fmt.Printf("persona: %s\n", profile.Persona)
			fmt.Printf("voice:   %s\n", profile.Voice)
			fmt.Printf("updated: %s\n", profile.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	persona := &cobra.Command{
		Use:   "persona <text>",
		Short: "Save the system-instruction persona",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(flags)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetPersona(cmd.Context(), cfg.UserID, strings.Join(args, " "))
		},
	}

	voice := &cobra.Command{
		Use:   "voice <name>",
		Short: "Save the preferred output voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(flags)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetVoice(cmd.Context(), cfg.UserID, args[0])
		},
	}

	cmd.AddCommand(show, persona, voice)
	return cmd
}

func openStore(flags *rootFlags) (config.Config, *settings.Store, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}

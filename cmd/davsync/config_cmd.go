package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/utils"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the config path and the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath(cmd))
			return err
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file from flags and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if utils.FileExists(cfg.Path) && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", cfg.Path)
			}

			if cfg.Password == "" && cfg.Username != "" && interactive() {
				if err := promptPassword(cfg); err != nil {
					return err
				}
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", green.Render(cfg.Path))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}

func promptPassword(cfg *config.Config) error {
	err := huh.NewInput().
		Title(fmt.Sprintf("WebDAV password for %s", cfg.Username)).
		EchoMode(huh.EchoModePassword).
		Value(&cfg.Password).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("aborted")
	}
	return err
}

func printConfig(w io.Writer, cfg *config.Config) error {
	masked := cfg.Masked()
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", gray.Render("config:"), cfg.Path)
	_, err = fmt.Fprintln(w, string(data))
	return err
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/internal/config"
	"github.com/MrEthical07/goMFA/store/postgres"
	"github.com/spf13/cobra"
)

func migrateCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*envFile)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL must be set")
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if err := postgres.Migrate(cfg.DatabaseURL, direction); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: ok\n", direction)
			return nil
		},
	}
}

func factorsCommand(envFile *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "factors <user-id>",
		Short: "Show the factors a user can verify with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.engine.ListFactors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(factorListView(list))
			}
			return printFactorList(cmd, list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func revokeDeviceCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-device <user-id> <device-id>",
		Short: "Revoke one trusted device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.engine.RevokeTrustedDevice(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device %s revoked\n", args[1])
			return nil
		},
	}
}

func resetCommand(envFile *string) *cobra.Command {
	var actor, reason string
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Remove every factor, passkey and trusted device of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset is destructive; pass --yes to confirm")
			}
			rt, err := openRuntime(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.engine.ResetMFA(cmd.Context(), actor, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mfa reset for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "administrator performing the reset (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log (required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func pruneDevicesCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-devices",
		Short: "Delete expired trusted devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.store.DeleteExpiredDevices(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d expired devices removed\n", n)
			return nil
		},
	}
}

func lintCommand(envFile *string) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate the engine configuration and report risky settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(*envFile)
			if err != nil {
				return err
			}
			engineCfg, err := cfg.EngineConfig()
			if err != nil {
				return err
			}
			if err := engineCfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			result := engineCfg.Lint()
			out := cmd.OutOrStdout()
			for _, w := range result {
				fmt.Fprintf(out, "%-5s %-24s %s\n", severityName(w.Severity), w.Code, w.Message)
			}
			if strict && len(result.BySeverity(goMFA.LintHigh)) > 0 {
				return errors.New("high severity findings")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero on high severity findings")
	return cmd
}

func severityName(s goMFA.LintSeverity) string {
	switch s {
	case goMFA.LintHigh:
		return "HIGH"
	case goMFA.LintWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

type factorList struct {
	UserID               string   `json:"user_id"`
	Enabled              bool     `json:"enabled"`
	Factors              []string `json:"factors"`
	BackupCodesRemaining int      `json:"backup_codes_remaining"`
	PasskeyCount         int      `json:"passkey_count"`
	TrustedDeviceCount   int      `json:"trusted_device_count"`
	Email                string   `json:"email,omitempty"`
	WhatsApp             string   `json:"whatsapp,omitempty"`
}

func factorListView(l *goMFA.FactorList) factorList {
	names := make([]string, 0, len(l.Factors))
	for _, f := range l.Factors {
		names = append(names, f.String())
	}
	return factorList{
		UserID:               l.UserID,
		Enabled:              l.Enabled,
		Factors:              names,
		BackupCodesRemaining: l.BackupCodesRemaining,
		PasskeyCount:         l.PasskeyCount,
		TrustedDeviceCount:   l.TrustedDeviceCount,
		Email:                l.EmailDestination,
		WhatsApp:             l.WhatsAppDestination,
	}
}

func printFactorList(cmd *cobra.Command, l *goMFA.FactorList) error {
	v := factorListView(l)
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "user\t%s\n", v.UserID)
	fmt.Fprintf(tw, "enabled\t%t\n", v.Enabled)
	fmt.Fprintf(tw, "factors\t%s\n", strings.Join(v.Factors, ", "))
	fmt.Fprintf(tw, "backup codes\t%d\n", v.BackupCodesRemaining)
	fmt.Fprintf(tw, "passkeys\t%d\n", v.PasskeyCount)
	fmt.Fprintf(tw, "trusted devices\t%d\n", v.TrustedDeviceCount)
	if v.Email != "" {
		fmt.Fprintf(tw, "email\t%s\n", v.Email)
	}
	if v.WhatsApp != "" {
		fmt.Fprintf(tw, "whatsapp\t%s\n", v.WhatsApp)
	}
	return tw.Flush()
}

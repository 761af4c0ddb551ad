// Command mfactl is the operator CLI for a goMFA deployment: schema
// migrations, factor inspection, device revocation and administrative
// resets. "mfactl dev" runs a self-contained demo on miniredis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "mfactl",
		Short:         "Operate a goMFA deployment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(
		migrateCommand(&envFile),
		factorsCommand(&envFile),
		revokeDeviceCommand(&envFile),
		resetCommand(&envFile),
		pruneDevicesCommand(&envFile),
		lintCommand(&envFile),
		devCommand(),
	)
	return root
}

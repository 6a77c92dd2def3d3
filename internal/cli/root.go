package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	var opts globalOptions
	cmd := &cobra.Command{
		Use:           "agentsh-broker",
		Short:         "agentsh-broker: sandbox policy broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("agentsh-broker {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("AGENTSH_BROKER_CONFIG", ""), "Path to broker config YAML")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")
	cmd.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "Use the in-memory object manager instead of the OS")

	cmd.AddCommand(newServeCmd(&opts))
	cmd.AddCommand(newRunCmd(&opts))
	cmd.AddCommand(newPolicyCmd(&opts))
	cmd.AddCommand(newPingCmd(&opts))
	cmd.AddCommand(newEventsCmd(&opts))

	return cmd
}

type globalOptions struct {
	configPath string
	logLevel   string
	simulate   bool
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

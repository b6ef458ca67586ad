// Command fabrichostd hosts cluster nodes as stateless service instances
// placed by the local platform.
package main

import (
	"fmt"
	"os"
	"strings"

	"fabrichost/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FABRICHOST"

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfgFile string
	cmd := &cobra.Command{
		Use:           "fabrichostd",
		Short:         "Cluster node host",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfgFile, err)
				}
			}
			return logging.Configure(v.GetString("log-level"), v.GetString("log-format"))
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Settings file (yaml); flags and FABRICHOST_* variables override it")
	cmd.PersistentFlags().String("log-level", logging.LevelInfo, "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", logging.FormatText, "Log format: text, json")

	serve := runCmd(v)
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(membersCmd(v))
	cmd.AddCommand(emulatorCmd(v))
	return cmd
}

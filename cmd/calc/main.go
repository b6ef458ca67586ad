// Command calc calls the calculator actor hosted by a fabrichost service.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fabrichost"
	"fabrichost/config"
	"fabrichost/internal/logging"
	"fabrichost/pkg/client"

	"github.com/spf13/cobra"
)

const defaultService = "fabric:/OrleansFabricSiloApplication/OrleansFabricSilo"

func main() {
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		service    string
		partition  string
		clientFile string
		actor      string
		timeout    time.Duration
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "calc <get|set|add|subtract|multiply|divide|+|-|*|/> [operand]",
		Short:         "Call the calculator actor",
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if debug {
				return logging.Configure(logging.LevelDebug, logging.FormatText)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := parseOp(args)
			if err != nil {
				return err
			}

			opts := []client.Option{}
			if partition != "" {
				kind, key, _ := strings.Cut(partition, ":")
				p, err := fabrichost.ParsePartition(kind, key)
				if err != nil {
					return err
				}
				opts = append(opts, client.WithPartition(p))
			}
			if clientFile != "" {
				cfg, err := config.LoadClient(clientFile)
				if err != nil {
					return err
				}
				opts = append(opts, client.WithConfig(cfg))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := client.Initialize(ctx, service, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := op.call(ctx, c.Calculator(actor))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(result, 'g', -1, 64))
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", defaultService, "Service locator")
	cmd.Flags().StringVar(&partition, "partition", "", "Partition as kind:key")
	cmd.Flags().StringVar(&clientFile, "client-config", "", "Client configuration file; defaults to "+config.ClientFileName+" next to the executable")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor key; defaults to the nil UUID")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall call timeout")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

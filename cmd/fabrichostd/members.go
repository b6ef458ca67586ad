package main

import (
	"fmt"
	"net/url"
	"strings"

	"fabrichost"
	"fabrichost/config"
	"fabrichost/infra/membership"
	"fabrichost/internal/ui"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func membersCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members <service>",
		Short: "Show the membership table of a service deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID, err := deploymentOf(args[0], v.GetString("partition"))
			if err != nil {
				return err
			}
			conn, err := connectionString(v)
			if err != nil {
				return err
			}

			store, err := membership.Open(cmd.Context(), conn)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), deploymentID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, ui.KeyValues("", ui.KV("deployment", ui.Accent(deploymentID)), ui.KV("store", store.Dialect().String())))
			if len(records) == 0 {
				fmt.Fprintln(out, ui.WarnMsg("No members recorded."))
				return nil
			}
			fmt.Fprintln(out, ui.Members(records))
			return nil
		},
	}
	cmd.Flags().String("partition", "", "Partition as kind:key, for example named:shardA or int64range:0-255")
	cmd.Flags().String("connection-string", "", "Membership store connection string; defaults to the client configuration's")
	cmd.Flags().String("client-config", "", "Client configuration file; defaults to "+config.ClientFileName+" next to the executable")
	return cmd
}

// deploymentOf derives the deployment identity of service and an optional
// kind:key partition.
func deploymentOf(service, partition string) (string, error) {
	locator, err := url.Parse(service)
	if err != nil {
		return "", fmt.Errorf("%w: %w", fabrichost.ErrInvalidLocator, err)
	}
	var p fabrichost.Partition
	if partition != "" {
		kind, key, _ := strings.Cut(partition, ":")
		if p, err = fabrichost.ParsePartition(kind, key); err != nil {
			return "", err
		}
	}
	return fabrichost.DeriveDeploymentIdentity(locator, p)
}

func connectionString(v *viper.Viper) (string, error) {
	if conn := v.GetString("connection-string"); conn != "" {
		return conn, nil
	}
	var (
		cfg *config.Client
		err error
	)
	if path := v.GetString("client-config"); path != "" {
		cfg, err = config.LoadClient(path)
	} else {
		cfg, err = config.LoadDefaultClient()
	}
	if err != nil {
		return "", err
	}
	return cfg.SystemStore.DataConnectionString, nil
}

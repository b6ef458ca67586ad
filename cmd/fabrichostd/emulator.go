package main

import (
	"fmt"

	"fabrichost/infra/emulator"
	"fabrichost/internal/ui"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func emulatorCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "emulator <init|start|stop|status>",
		Short:     "Control the local storage emulator",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"init", "start", "stop", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := emulator.ParseCommand(args[0])
			if err != nil {
				return err
			}
			e := emulator.New(emulator.WithBinary(v.GetString("emulator-binary")))
			out := cmd.OutOrStdout()

			if c == emulator.CommandStatus {
				running, err := e.IsRunning(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(out, ui.KeyValues("", ui.KV("running", fmt.Sprint(running))))
				return nil
			}
			if err := e.Run(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintln(out, ui.SuccessMsg("Storage emulator %s done.", c))
			return nil
		},
	}
	cmd.Flags().String("emulator-binary", "storage-emulator", "Storage emulator executable")
	return cmd
}

package main

import (
	"fmt"
	"text/tabwriter"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices the pool would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			hostUUID := deviceagent.HostUUID()
			pool := device.NewPool(device.PoolOptions{
				Provider:  provider,
				FetchMeta: adb.MetaFetcher(provider, "android", hostUUID),
				Allowlist: device.ParseSerialList(config.String(config.EnvDeviceAllowlist, "")),
				HostUUID:  hostUUID,
			})
			if err := pool.Refresh(cmd.Context()); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tSTATE\tOS VERSION\tPRODUCT\tROOT")
			for _, snap := range pool.Devices() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					snap.Serial, snap.State, snap.Meta.OSVersion, snap.Meta.ProductType, snap.Meta.IsRoot)
			}
			return w.Flush()
		},
	}
}

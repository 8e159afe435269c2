package adb

import (
	"context"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/rs/zerolog/log"
)

const metaTimeout = 10 * time.Second

// MetaFetcher returns a device.MetaFetcher that reads getprop once per device
// and probes for root.
func MetaFetcher(shell Shell, osType, hostUUID string) device.MetaFetcher {
	if strings.TrimSpace(osType) == "" {
		osType = "android"
	}
	return func(serial string) device.Meta {
		meta := device.Meta{OSType: osType, ProviderUUID: hostUUID, IsRoot: "false"}
		if shell == nil {
			return meta
		}
		ctx, cancel := context.WithTimeout(context.Background(), metaTimeout)
		defer cancel()

		output, err := shell.RunShell(ctx, serial, "getprop")
		if err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("read device props failed")
		} else {
			props := device.ParseProps(output)
			meta.OSVersion = props[device.PropBuildRelease]
			meta.ProductType = device.ProductType(props)
		}
		if isRooted(ctx, shell, serial) {
			meta.IsRoot = "true"
		}
		return meta
	}
}

func isRooted(ctx context.Context, shell Shell, serial string) bool {
	if output, err := shell.RunShell(ctx, serial, "su", "-c", "id"); err == nil && strings.Contains(output, "uid=0") {
		return true
	}
	if output, err := shell.RunShell(ctx, serial, "which", "su"); err == nil && strings.TrimSpace(output) != "" {
		return true
	}
	return false
}

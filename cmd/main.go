package main

import (
	"os"
	"strings"

	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "deviceagent",
	Short:   "Schedule test commands onto attached Android devices",
	Long:    `deviceagent 读取命令（命令行或 YAML 命令文件），为每条命令从本机 adb 设备池中挑选匹配设备并执行，记录调用历史，失败时可推送飞书消息。`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(firstNonEmpty(rootLogLevel, config.String(config.EnvLogLevel, "info"))))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootDBPath   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "日志级别 debug/info/warn/error，覆盖 DEVICEAGENT_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db-path", "", "调用历史 SQLite 路径，覆盖 DEVICEAGENT_DB_PATH")
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("deviceagent command failed")
	}
}

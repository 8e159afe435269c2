package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/internal/argconfig"
	"github.com/httprunner/DeviceAgent/internal/cmdfile"
	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/internal/notify"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/internal/storage"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/httprunner/DeviceAgent/pkg/result"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

func newRunCmd() *cobra.Command {
	var (
		flagCommandFile     string
		flagStaticSerials   []string
		flagPollInterval    time.Duration
		flagRefreshInterval time.Duration
		flagKeepRunning     bool
		flagNoJournal       bool
		flagNoNotify        bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command args>",
		Short: "Queue commands and run them on matching devices",
		Example: `  deviceagent run -- --test-cmd "am instrument -w com.example/.Runner" -s emulator-5554
  deviceagent run --command-file commands.yaml --keep-running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			commands, err := collectCommands(args, flagCommandFile)
			if err != nil {
				return err
			}
			if len(commands) == 0 {
				return errors.New("no command given: pass args after -- or --command-file")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			hostUUID := deviceagent.HostUUID()
			opts := device.PoolOptions{
				Provider:     provider,
				FetchMeta:    adb.MetaFetcher(provider, "android", hostUUID),
				Allowlist:    device.ParseSerialList(config.String(config.EnvDeviceAllowlist, "")),
				AgentVersion: version,
				HostUUID:     hostUUID,
			}

			var journal deviceagent.InvocationJournal
			if !flagNoJournal {
				store, err := storage.Open(resolveDBPath())
				if err != nil {
					return err
				}
				defer store.Close()
				opts.Recorder = store
				journal = store
				log.Info().Str("db_path", store.Path()).Msg("invocation journal enabled")
			}
			pool := device.NewPool(opts)
			for _, serial := range flagStaticSerials {
				pool.AddDevice(serial, opts.FetchMeta(serial))
			}

			factory := &argconfig.Factory{Shell: provider}
			if !flagNoNotify {
				notifier, err := notify.NewFeishuNotifierFromEnv()
				if err != nil {
					return err
				}
				if notifier != nil {
					throttle := notify.NewThrottle(config.Int(config.EnvFeishuNotifyLimit, 6), time.Hour)
					factory.Listeners = func(testName string) []result.Listener {
						return []result.Listener{notify.NewFailureReporter(notifier, throttle, testName)}
					}
					log.Info().Msg("feishu failure notifications enabled")
				}
			}

			scheduler, err := deviceagent.NewCommandScheduler(deviceagent.Config{
				Pool:          pool,
				ConfigFactory: factory,
				PollInterval:  flagPollInterval,
				HelpOutput:    cmd.OutOrStdout(),
				Journal:       journal,
			})
			if err != nil {
				return err
			}

			queued := 0
			for _, cmdArgs := range commands {
				res, err := scheduler.AddCommand(cmdArgs, nil)
				if err != nil {
					log.Error().Err(err).Strs("args", cmdArgs).Msg("command rejected")
					continue
				}
				if res == deviceagent.AddQueued {
					queued++
				}
			}
			if queued == 0 {
				log.Info().Msg("nothing queued, exiting")
				return nil
			}

			groupCtx, cancelGroup := context.WithCancel(ctx)
			defer cancelGroup()
			group := deviceagent.NewRunGroup(groupCtx)
			if len(flagStaticSerials) == 0 {
				refresh := flagRefreshInterval
				if refresh <= 0 {
					refresh = config.Duration(config.EnvRefreshInterval, 5*time.Second)
				}
				group.GoSafe("device-watch", func(ctx context.Context) error {
					return pool.Watch(ctx, refresh)
				})
			}
			if !flagKeepRunning {
				group.GoSafe("idle-watch", func(ctx context.Context) error {
					exitWhenIdle(ctx, scheduler)
					return nil
				})
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			log.Info().Int("queued", queued).Bool("keep_running", flagKeepRunning).Msg("device agent running")

			joinErr := scheduler.Join()
			cancelGroup()
			if err := group.Wait(shutdownGrace); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("background workers stopped with error")
			}
			if joinErr != nil {
				return errors.Wrap(joinErr, "scheduler stopped on fatal host error")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagCommandFile, "command-file", "", "YAML file with commands to queue")
	cmd.Flags().StringSliceVar(&flagStaticSerials, "serial-static", nil, "Use these serials instead of watching adb (comma separated)")
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "Dispatch loop poll interval (default from DEVICEAGENT_POLL_INTERVAL or 1s)")
	cmd.Flags().DurationVar(&flagRefreshInterval, "refresh-interval", 0, "Device refresh interval (default from DEVICE_REFRESH_INTERVAL or 5s)")
	cmd.Flags().BoolVar(&flagKeepRunning, "keep-running", false, "Keep running after the queue drains, until interrupted")
	cmd.Flags().BoolVar(&flagNoJournal, "no-journal", false, "Do not record invocations in SQLite")
	cmd.Flags().BoolVar(&flagNoNotify, "no-notify", false, "Disable Feishu failure notifications")
	return cmd
}

// collectCommands merges the trailing argument vector with the command file.
func collectCommands(args []string, commandFile string) ([][]string, error) {
	var commands [][]string
	if len(args) > 0 {
		commands = append(commands, args)
	}
	if commandFile != "" {
		fromFile, err := cmdfile.Load(commandFile)
		if err != nil {
			return nil, err
		}
		commands = append(commands, fromFile...)
	}
	return commands, nil
}

func exitWhenIdle(ctx context.Context, scheduler *deviceagent.CommandScheduler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduler.Done():
			return
		case <-ticker.C:
			if scheduler.Idle() {
				log.Info().Msg("queue drained, shutting down")
				scheduler.Shutdown()
				return
			}
		}
	}
}

/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/config"
	"github.com/offspot/kiwix-hotspot-sub000/configure"
	"github.com/offspot/kiwix-hotspot-sub000/content"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/partition"
	"github.com/offspot/kiwix-hotspot-sub000/pipeline"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/offspot/kiwix-hotspot-sub000/telemetry"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/offspot/kiwix-hotspot-sub000/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
)

const (
	mountTable = "/proc/mounts"
	sshTimeout = 30 * time.Second
)

type buildOptions struct {
	name       string
	size       string
	contents   []string
	localFiles []string
	features   []string
	logo       string
	favicon    string
	css        string
	vars       map[string]string
	device     string
}

func (o buildOptions) params(buildDir string) (pipeline.Params, error) {
	var size datasize.ByteSize
	if o.size != "" {
		if err := size.UnmarshalText([]byte(o.size)); err != nil {
			return pipeline.Params{}, fmt.Errorf("invalid size %q: %w", o.size, err)
		}
	}
	vars := make(configure.Vars, len(o.vars))
	for key, value := range o.vars {
		vars[key] = value
	}
	return pipeline.Params{
		Name:       o.name,
		BuildDir:   buildDir,
		Size:       size,
		Contents:   o.contents,
		LocalFiles: o.localFiles,
		Features:   o.features,
		Branding:   configure.Branding{Logo: o.logo, Favicon: o.favicon, CSS: o.css},
		Vars:       vars,
		Device:     o.device,
	}, nil
}

func main() {
	v := viper.New()
	root := newRootCommand(v)
	if err := root.Execute(); err != nil {
		logrus.Fatalf("setup failed: %v", err)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	var (
		configPath string
		options    buildOptions
	)
	root := &cobra.Command{
		Use:           "setup",
		Short:         "Build a Kiwix hotspot image",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return build(cmd.Context(), v, configPath, options)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().String("build-dir", "./build", "directory holding the cache and images")
	root.PersistentFlags().String("log-level", "info", "logrus log level")
	root.PersistentFlags().String("catalog", "", "catalog URL or path")
	_ = v.BindPFlag("build_dir", root.PersistentFlags().Lookup("build-dir"))
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("catalog", root.PersistentFlags().Lookup("catalog"))

	flags := root.Flags()
	flags.StringVarP(&options.name, "name", "n", "kiwix-hotspot", "image name")
	flags.StringVarP(&options.size, "size", "s", "", "image size, e.g. 16GB. Empty fits the content")
	flags.StringSliceVar(&options.contents, "content", nil, "catalog content id to include")
	flags.StringSliceVar(&options.localFiles, "local-file", nil, "local archive to extract on the data partition")
	flags.StringSliceVar(&options.features, "feature", nil, "provisioning feature to enable")
	flags.StringVar(&options.logo, "logo", "", "branding logo (png)")
	flags.StringVar(&options.favicon, "favicon", "", "branding favicon (png)")
	flags.StringVar(&options.css, "css", "", "branding stylesheet")
	flags.StringToStringVar(&options.vars, "var", nil, "extra provisioning variable as key=value")
	flags.StringVarP(&options.device, "device", "d", "", "write the finished image to this device")

	root.AddCommand(newSelftestCommand(v, &configPath))
	return root
}

func newSelftestCommand(v *viper.Viper, configPath *string) *cobra.Command {
	var image string
	command := &cobra.Command{
		Use:   "selftest",
		Short: "Mount the data partition of an image and check a file survives a remount",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return selftest(cmd.Context(), v, *configPath, image)
		},
	}
	command.Flags().StringVarP(&image, "image", "i", "", "image to check")
	_ = command.MarkFlagRequired("image")
	return command
}

// prepare loads the configuration and installs logging and tracing. The
// returned func flushes traces.
func prepare(ctx context.Context, v *viper.Viper, configPath string) (config.Config, func(), error) {
	cfg, cfgErr := config.Load(v, configPath)
	if cfgErr != nil {
		return config.Config{}, nil, cfgErr
	}
	level, levelErr := logrus.ParseLevel(cfg.LogLevel)
	if levelErr != nil {
		return config.Config{}, nil, levelErr
	}
	logrus.SetLevel(level)

	shutdown, telemetryErr := telemetry.Setup(ctx, cfg.Telemetry.Service, cfg.Telemetry.Endpoint,
		attribute.String("os", runtime.GOOS), attribute.String("arch", runtime.GOARCH))
	if telemetryErr != nil {
		return config.Config{}, nil, telemetryErr
	}
	return cfg, func() {
		if err := shutdown(context.Background()); err != nil {
			logrus.WithError(err).Warn("could not flush traces")
		}
	}, nil
}

// cancelOnInterrupt cancels registry on SIGINT or SIGTERM.
func cancelOnInterrupt(registry *cancel.Registry) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case received := <-signals:
			logrus.WithField("signal", received).Warn("cancelling, cleaning up")
			registry.Cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func newMountManager(cfg config.Config, fs afero.Fs, runner utility.CommandRunner) (*partition.Manager, error) {
	backend, backendErr := partition.NewBackend(runtime.GOOS, runner, cfg.Mount.DriveLetter)
	if backendErr != nil {
		return nil, backendErr
	}
	return partition.NewManager(backend, fs, filepath.Join(cfg.BuildDir, "mnt"), cfg.Mount.Label, cfg.Mount.Timeout), nil
}

func newEnvironment(cfg config.Config, registry *cancel.Registry) (pipeline.Environment, error) {
	osFs := afero.NewOsFs()
	logger := report.NewLogrusLogger(logrus.StandardLogger())
	runner := utility.CommandRunner{Registry: registry, Sudo: cfg.Mount.Sudo}

	manager, managerErr := newMountManager(cfg, osFs, runner)
	if managerErr != nil {
		return pipeline.Environment{}, managerErr
	}

	router := media.Router{
		HTTP: media.Aria2{
			Binary:          cfg.Download.Agent,
			ConnectTimeout:  cfg.Download.ConnectTimeout,
			MaxTries:        cfg.Download.MaxTries,
			RetryWait:       cfg.Download.RetryWait,
			SummaryInterval: cfg.Download.SummaryInterval,
			Registry:        registry,
		},
		Storage: media.CloudStorage{Fs: osFs, Anonymous: cfg.Download.AnonymousCloud},
		S3:      media.S3{Fs: osFs, Region: cfg.Download.S3Region, Anonymous: cfg.Download.AnonymousCloud},
		Local:   media.Local{Fs: osFs},
	}
	binaries := []string{cfg.Emulator.Binary, cfg.Download.Agent}
	if runtime.GOOS == "linux" {
		binaries = append(binaries, "parted", "losetup", "mkfs.exfat")
	}

	return pipeline.Environment{
		Fs:         osFs,
		Registry:   registry,
		Logger:     logger,
		Catalog:    content.NewProvider(cfg.Catalog, osFs),
		Downloader: media.NewDownloader(osFs, router),
		Partitions: manager,
		Tables:     partition.TableEditor{Runner: runner},
		Machines: func(image string) (pipeline.Machine, error) {
			controller, controllerErr := vm.New(image, cfg.Emulator, vm.NewQEMU(cfg.Emulator), vm.SSHDialer{Timeout: sshTimeout}, registry, logger)
			if controllerErr != nil {
				return nil, controllerErr
			}
			return controller, nil
		},
		Provisioner: configure.NewRunner(cfg.Provision, logger),
		LookPath:    exec.LookPath,
		Binaries:    binaries,
		WriteMedia:  media.WriteImage,
		ValidateDevice: func(device string) error {
			return media.ValidateDevice(osFs, device, mountTable)
		},
		Concurrency:    cfg.Download.Concurrency,
		CleanupTimeout: 2 * cfg.Emulator.ShutdownTimeout,
	}, nil
}

func build(ctx context.Context, v *viper.Viper, configPath string, options buildOptions) error {
	cfg, flush, prepareErr := prepare(ctx, v, configPath)
	if prepareErr != nil {
		return prepareErr
	}
	defer flush()

	params, paramsErr := options.params(cfg.BuildDir)
	if paramsErr != nil {
		return paramsErr
	}

	registry := cancel.NewRegistry(ctx)
	stop := cancelOnInterrupt(registry)
	defer stop()

	env, envErr := newEnvironment(cfg, registry)
	if envErr != nil {
		return envErr
	}

	// The installation runs on its own goroutine so this one stays free to
	// handle interrupts while it works.
	done := make(chan buildResult, 1)
	pipeline.NewInstaller(env).Start(ctx, params, func(outcome pipeline.Outcome, err error) {
		done <- buildResult{outcome: outcome, err: err}
	})
	result := <-done
	outcome, runErr := result.outcome, result.err
	if runErr != nil {
		if outcome.Image != "" {
			logrus.WithField("image", outcome.Image).Error("partial image kept for inspection")
		}
		return runErr
	}
	entry := logrus.WithFields(logrus.Fields{"run": outcome.RunID, "image": outcome.Image})
	if outcome.WriteErr != nil {
		entry.WithError(outcome.WriteErr).Warn(outcome.WriteErr.Hint())
		return nil
	}
	entry.Info("image built")
	return nil
}

type buildResult struct {
	outcome pipeline.Outcome
	err     error
}

func selftest(ctx context.Context, v *viper.Viper, configPath string, image string) error {
	cfg, flush, prepareErr := prepare(ctx, v, configPath)
	if prepareErr != nil {
		return prepareErr
	}
	defer flush()

	registry := cancel.NewRegistry(ctx)
	stop := cancelOnInterrupt(registry)
	defer stop()

	osFs := afero.NewOsFs()
	runner := utility.CommandRunner{Registry: registry, Sudo: cfg.Mount.Sudo}
	manager, managerErr := newMountManager(cfg, osFs, runner)
	if managerErr != nil {
		return managerErr
	}

	table, tableErr := partition.ReadTable(ctx, runner, image)
	if tableErr != nil {
		return tableErr
	}
	geometry, geometryErr := partition.LastPartition(table)
	if geometryErr != nil {
		return geometryErr
	}
	logrus.WithField("geometry", geometry.String()).Info("checking data partition")
	if err := manager.VerifyMountRoundTrip(ctx, image, geometry); err != nil {
		return err
	}
	logrus.WithField("image", image).Info("mount round trip succeeded")
	return nil
}

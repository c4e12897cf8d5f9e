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

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

const EnvPrefix = "HOTSPOT"

type Config struct {
	BuildDir  string          `mapstructure:"build_dir"`
	Catalog   string          `mapstructure:"catalog"`
	LogLevel  string          `mapstructure:"log_level"`
	Download  DownloadConfig  `mapstructure:"download"`
	Emulator  EmulatorConfig  `mapstructure:"emulator"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Mount     MountConfig     `mapstructure:"mount"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type DownloadConfig struct {
	Agent           string        `mapstructure:"agent"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxTries        int           `mapstructure:"max_tries"`
	RetryWait       time.Duration `mapstructure:"retry_wait"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	AnonymousCloud  bool          `mapstructure:"anonymous_cloud"`
	S3Region        string        `mapstructure:"s3_region"`
}

type EmulatorConfig struct {
	Binary          string        `mapstructure:"binary"`
	Machine         string        `mapstructure:"machine"`
	CPU             string        `mapstructure:"cpu"`
	CPUs            int           `mapstructure:"cpus"`
	Memory          string        `mapstructure:"memory"`
	Kernel          string        `mapstructure:"kernel"`
	Initrd          string        `mapstructure:"initrd"`
	DTB             string        `mapstructure:"dtb"`
	Append          string        `mapstructure:"append"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	LoginPrompt     string        `mapstructure:"login_prompt"`
	EnableShell     bool          `mapstructure:"enable_shell"`
	BootTimeout     time.Duration `mapstructure:"boot_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LoginAttempts   int           `mapstructure:"login_attempts"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
}

type ProvisionConfig struct {
	Binary     string   `mapstructure:"binary"`
	Root       string   `mapstructure:"root"`
	Playbook   string   `mapstructure:"playbook"`
	SecretKeys []string `mapstructure:"secret_keys"`
}

type MountConfig struct {
	Label       string        `mapstructure:"label"`
	Sudo        bool          `mapstructure:"sudo"`
	DriveLetter string        `mapstructure:"drive_letter"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("build_dir", "./build")
	v.SetDefault("catalog", "https://download.kiwix.org/hotspot/catalog.json")
	v.SetDefault("log_level", "info")

	v.SetDefault("download.agent", "aria2c")
	v.SetDefault("download.connect_timeout", 60*time.Second)
	v.SetDefault("download.max_tries", 5)
	v.SetDefault("download.retry_wait", 30*time.Second)
	v.SetDefault("download.summary_interval", 2*time.Second)
	v.SetDefault("download.concurrency", 2)
	v.SetDefault("download.anonymous_cloud", true)
	v.SetDefault("download.s3_region", "us-east-1")

	v.SetDefault("emulator.binary", "qemu-system-aarch64")
	v.SetDefault("emulator.machine", "virt")
	v.SetDefault("emulator.cpu", "cortex-a72")
	v.SetDefault("emulator.cpus", 4)
	v.SetDefault("emulator.memory", "2G")
	v.SetDefault("emulator.append", "root=/dev/vda2 rootfstype=ext4 rw console=ttyAMA0 panic=1")
	v.SetDefault("emulator.username", "pi")
	v.SetDefault("emulator.password", "raspberry")
	v.SetDefault("emulator.login_prompt", "login: ")
	v.SetDefault("emulator.boot_timeout", 10*time.Minute)
	v.SetDefault("emulator.shutdown_timeout", 2*time.Minute)
	v.SetDefault("emulator.login_attempts", 3)
	v.SetDefault("emulator.connect_attempts", 8)
	v.SetDefault("emulator.connect_backoff", 2*time.Second)

	v.SetDefault("provision.binary", "/usr/local/bin/ansible-playbook")
	v.SetDefault("provision.root", "/var/lib/ansible/local")
	v.SetDefault("provision.playbook", "main.yml")
	v.SetDefault("provision.secret_keys", []string{"admin_password", "wifi_password"})

	v.SetDefault("mount.label", "data")
	v.SetDefault("mount.sudo", true)
	v.SetDefault("mount.drive_letter", "Z:")
	v.SetDefault("mount.timeout", 2*time.Minute)

	v.SetDefault("telemetry.service", "hotspot-builder")
}

// Load reads the optional config file then the HOTSPOT_* environment on top of
// the defaults.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []error
	if c.BuildDir == "" {
		problems = append(problems, errors.New("build_dir is required"))
	}
	if c.Download.MaxTries < 1 {
		problems = append(problems, errors.New("download.max_tries must be at least 1"))
	}
	if c.Download.Concurrency < 1 {
		problems = append(problems, errors.New("download.concurrency must be at least 1"))
	}
	if c.Emulator.LoginPrompt == "" {
		problems = append(problems, errors.New("emulator.login_prompt is required"))
	}
	if c.Emulator.BootTimeout <= 0 {
		problems = append(problems, errors.New("emulator.boot_timeout must be positive"))
	}
	if c.Emulator.ConnectAttempts < 1 || c.Emulator.LoginAttempts < 1 {
		problems = append(problems, errors.New("emulator attempts must be at least 1"))
	}
	if c.Mount.Timeout <= 0 {
		problems = append(problems, errors.New("mount.timeout must be positive"))
	}
	if _, err := datasize.ParseString(c.Emulator.Memory); err != nil {
		problems = append(problems, fmt.Errorf("emulator.memory: %w", err))
	}
	return errors.Join(problems...)
}

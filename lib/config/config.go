// Package config assembles a run configuration from flags, environment
// variables (prefix IVSWEEP_), an optional .env file and an optional YAML
// config file. Flags given explicitly win over everything else.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/connutil"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "IVSWEEP"

// Config is everything fixed at invocation time.
type Config struct {
	Conn     connutil.Conn
	Device   string
	Save     bool
	OutDir   string
	Spec     ivsweep.SweepSpec
	View     string
	Trace    bool
	LogLevel zerolog.Level
}

// Load parses args (without the program name) and merges the other sources.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "loading .env")
	}

	var cfg Config
	flags := pflag.NewFlagSet("ivsweep", pflag.ContinueOnError)
	cfg.Conn.AddFlags(flags)
	flags.String("config", "", "YAML config file")
	flags.String("device", "I-V Curve 01", "device label used in titles and file names")
	flags.Bool("save", true, "save the plot and data")
	flags.String("out-dir", ".", "directory holding the per-device folders")
	flags.Float64("compliance", 1.0e-3, "current compliance, A")
	flags.Float64("start", -5.0, "first voltage of the sweep, V")
	flags.Float64("stop", +5.0, "last voltage of the sweep, V")
	flags.Int("points", 100, "number of points in the sweep")
	flags.Duration("settle", ivsweep.DefaultSettle, "wait between setting a voltage and reading")
	flags.Duration("reset-delay", ivsweep.DefaultResetDelay, "wait after *RST")
	flags.String("view", "", "serve the result on this address (e.g. :8080) until interrupted")
	flags.Bool("trace", false, "log every instrument command and reply")
	flags.String("log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg.Conn.Resource = v.GetString("addr")
	cfg.Conn.SerialPort = v.GetString("port")
	cfg.Conn.Baud = v.GetInt("baud")
	cfg.Conn.Delay = v.GetDuration("delay")
	cfg.Conn.ReadTimeout = v.GetDuration("read-timeout")
	cfg.Conn.AR488 = v.GetBool("ar488")
	cfg.Conn.Clear = v.GetBool("clear")
	cfg.Device = v.GetString("device")
	cfg.Save = v.GetBool("save")
	cfg.OutDir = v.GetString("out-dir")
	cfg.Spec = ivsweep.SweepSpec{
		Start:      v.GetFloat64("start"),
		Stop:       v.GetFloat64("stop"),
		Points:     v.GetInt("points"),
		Compliance: v.GetFloat64("compliance"),
		Settle:     v.GetDuration("settle"),
		ResetDelay: v.GetDuration("reset-delay"),
	}
	cfg.View = v.GetString("view")
	cfg.Trace = v.GetBool("trace")
	cfg.Conn.Debug = cfg.Trace

	lvl, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	cfg.LogLevel = lvl
	if cfg.Trace && cfg.LogLevel > zerolog.DebugLevel {
		// Command traces are debug events.
		cfg.LogLevel = zerolog.DebugLevel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return errors.New("device label is required")
	}
	if c.Device == "." || c.Device == ".." {
		return errors.Errorf("device label %q is not a directory name", c.Device)
	}
	if strings.ContainsAny(c.Device, `/\`) {
		return errors.Errorf("device label %q must not contain path separators", c.Device)
	}
	if c.Conn.SerialPort == "" {
		return errors.New("port is required")
	}
	if _, _, err := connutil.ParseResource(c.Conn.Resource); err != nil {
		return err
	}
	if c.Conn.ReadTimeout < time.Millisecond || c.Conn.ReadTimeout > 3*time.Second {
		return errors.Errorf("read-timeout %s out of range 1ms-3s", c.Conn.ReadTimeout)
	}
	if c.Conn.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	return c.Spec.Validate()
}

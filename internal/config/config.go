// Package config resolves command line flags, SPECTRO_* environment
// variables and an optional TOML file into the settings used to open
// datasets.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"spectroscopy/internal/blob"
	"spectroscopy/internal/core"
	"spectroscopy/internal/infra/blob/s3"
	"spectroscopy/internal/infra/persistence"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "SPECTRO"

// Config holds every tunable. Flags are registered against its fields so
// the values land here once Load has run.
type Config struct {
	ConfigFile  string
	Driver      string
	LockTimeout time.Duration
	PostgresDSN string
	User        string
	Tags        []string
	Pedantic    bool
	LogLevel    string
	LogFormat   string

	ArchiveDriver string
	ArchiveRoot   string
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3PathStyle   bool
}

// RegisterFlags defines the persistent flags of the command line.
func (c *Config) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConfigFile, "config", "", "TOML configuration file")
	flags.StringVar(&c.Driver, "driver", "", "storage driver (memory, bolt, leveldb, sqlite, postgres, xml); inferred from the path when empty")
	flags.DurationVar(&c.LockTimeout, "lock-timeout", persistence.DefaultLockTimeout, "how long to wait for the writer lock")
	flags.StringVar(&c.PostgresDSN, "postgres-dsn", "", "connection string used by the postgres driver")
	flags.StringVar(&c.User, "user", "", "user recorded in metadata and audit entries")
	flags.StringSliceVar(&c.Tags, "tag", nil, "tags applied to new entities")
	flags.BoolVar(&c.Pedantic, "pedantic", false, "reject empty entities and content already stored")
	flags.StringVar(&c.LogLevel, "log-level", "info", "log level")
	flags.StringVar(&c.LogFormat, "log-format", "text", "log format (text or json)")
	flags.StringVar(&c.ArchiveDriver, "archive", "", "archive imported files to a blob store (fs, s3, memory)")
	flags.StringVar(&c.ArchiveRoot, "archive-root", "", "root directory of the fs archive")
	flags.StringVar(&c.S3Bucket, "s3-bucket", "", "archive bucket")
	flags.StringVar(&c.S3Region, "s3-region", "", "archive bucket region")
	flags.StringVar(&c.S3Prefix, "s3-prefix", "", "key prefix inside the archive bucket")
	flags.StringVar(&c.S3Endpoint, "s3-endpoint", "", "custom S3 endpoint")
	flags.StringVar(&c.S3AccessKey, "s3-access-key", "", "static S3 access key")
	flags.StringVar(&c.S3SecretKey, "s3-secret-key", "", "static S3 secret key")
	flags.BoolVar(&c.S3PathStyle, "s3-path-style", false, "use path-style S3 addressing")
}

// Load fills every flag not set on the command line from the environment
// and then the config file named by --config. Environment variables are the
// upper-cased flag names with dashes replaced by underscores, prefixed with
// envPrefix and an underscore.
func Load(v *viper.Viper, flags *pflag.FlagSet, envPrefix string) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// GetString is empty for a real list coming from the config file.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}

// Storage returns the driver selection for dataset.Open.
func (c Config) Storage() (core.StorageConfig, error) {
	cfg := core.StorageConfig{LockTimeout: c.LockTimeout, PostgresDSN: c.PostgresDSN}
	if c.Driver != "" {
		driver, err := core.ParseStorageDriver(c.Driver)
		if err != nil {
			return core.StorageConfig{}, err
		}
		cfg.Driver = driver
	}
	if cfg.LockTimeout < 0 {
		return core.StorageConfig{}, fmt.Errorf("lock timeout must not be negative, got %s", cfg.LockTimeout)
	}
	return cfg, nil
}

// Archive reports whether imported files should be archived and where.
func (c Config) Archive() (blob.Config, bool) {
	if c.ArchiveDriver == "" || strings.EqualFold(c.ArchiveDriver, "none") {
		return blob.Config{}, false
	}
	return blob.Config{
		Driver: blob.Driver(c.ArchiveDriver),
		FSRoot: c.ArchiveRoot,
		S3: s3.Config{
			Region:          c.S3Region,
			Bucket:          c.S3Bucket,
			Prefix:          c.S3Prefix,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3AccessKey,
			SecretAccessKey: c.S3SecretKey,
			PathStyle:       c.S3PathStyle,
		},
	}, true
}

// Logger builds the logrus logger described by the log flags.
func (c Config) Logger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return l, nil
}

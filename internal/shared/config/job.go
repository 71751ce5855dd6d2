package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// JobFile is the on-disk description of one tile job, loaded by the CLI.
type JobFile struct {
	Job     JobConfig     `mapstructure:"job"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// JobConfig mirrors the engine's Config for the fields a job file can set.
type JobConfig struct {
	// Transform names a registered transform to run per tile.
	Transform string `mapstructure:"transform"`

	// Sources are the named tiled-data sources; paths may be glob patterns.
	Sources []SourceConfig `mapstructure:"sources"`

	// Area is a path to a GeoJSON region covered at Zoom.
	Area string `mapstructure:"area"`
	Zoom uint32 `mapstructure:"zoom"`

	// Tiles is a path to a file of "x y z" records, one per line. "-"
	// reads the records from stdin.
	Tiles string `mapstructure:"tiles"`

	// SourceCover names the source whose store enumerates the job's tiles.
	SourceCover string `mapstructure:"source_cover"`

	HighWaterMark int `mapstructure:"high_water_mark"`
	MaxWorkers    int `mapstructure:"max_workers"`

	// Output is a file path for worker records; "-" writes to stdout.
	Output string `mapstructure:"output"`

	Quiet bool `mapstructure:"quiet"`
}

type SourceConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging-related configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LoadJob loads a job file from the given path. If configPath is empty, it
// looks for job.yaml in the config/ directory. Environment variables with
// the TILEREDUCE_ prefix override file values.
func LoadJob(configPath string) (*JobFile, error) {
	v := viper.New()

	v.SetDefault("job.zoom", 12)
	v.SetDefault("job.high_water_mark", 5000)
	v.SetDefault("job.max_workers", 0)
	v.SetDefault("job.output", "-")
	v.SetDefault("job.quiet", false)
	v.SetDefault("logging.level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("job")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TILEREDUCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg JobFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

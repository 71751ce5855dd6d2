package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mapgrid/tilereduce/internal/shared/config"
	"github.com/mapgrid/tilereduce/internal/shared/logging"
	"github.com/mapgrid/tilereduce/pkg/tile"
	"github.com/mapgrid/tilereduce/pkg/tilereduce"
	"github.com/mapgrid/tilereduce/pkg/transforms"

	_ "github.com/mapgrid/tilereduce/examples/tilestat"
)

func main() {
	root := &cobra.Command{
		Use:           "tilereduce",
		Short:         "Distribute per-tile computations across a pool of workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newTransformsCommand())

	if err := root.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tile job described by a job file",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobFile, err := config.LoadJob(configPath)
			if err != nil {
				return err
			}
			return runJob(jobFile)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to job file")
	return cmd
}

func newTransformsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transforms",
		Short: "List registered transforms",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range transforms.List() {
				fmt.Println(name)
			}
		},
	}
}

func runJob(jobFile *config.JobFile) error {
	logger := logging.NewSlogLogger(logLevel(jobFile.Logging.Level))

	factory, err := transforms.Get(jobFile.Job.Transform)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(transforms.List(), ", "))
	}

	sources, err := expandSources(jobFile.Job.Sources)
	if err != nil {
		return err
	}

	cfg := tilereduce.Config{
		Transform:     factory,
		Sources:       sources,
		Zoom:          jobFile.Job.Zoom,
		SourceCover:   jobFile.Job.SourceCover,
		HighWaterMark: jobFile.Job.HighWaterMark,
		MaxWorkers:    jobFile.Job.MaxWorkers,
		Quiet:         jobFile.Job.Quiet,
		Logger:        logger,
	}

	if jobFile.Job.Area != "" {
		area, err := os.ReadFile(jobFile.Job.Area)
		if err != nil {
			return fmt.Errorf("reading area file: %w", err)
		}
		cfg.GeoJSON = area
	}

	if jobFile.Job.Tiles != "" {
		stream, closeStream, err := openTileStream(jobFile.Job.Tiles)
		if err != nil {
			return err
		}
		if closeStream != nil {
			defer closeStream()
		}
		cfg.TileStream = stream
	}

	output, closeOutput, err := openOutput(jobFile.Job.Output)
	if err != nil {
		return err
	}
	if closeOutput != nil {
		defer closeOutput()
	}
	cfg.Output = output

	job, err := tilereduce.New(cfg)
	if err != nil {
		return err
	}

	var tiles int64
	job.Events().OnReduce(func(any, tile.Tile) { tiles++ })

	if err := job.Run(); err != nil {
		return err
	}

	color.Green("Job completed: %d tiles produced a value", tiles)
	return nil
}

// expandSources resolves glob patterns in source paths. A pattern matching
// several stores fans out into suffixed source names.
func expandSources(configured []config.SourceConfig) ([]tilereduce.SourceSpec, error) {
	var sources []tilereduce.SourceSpec
	for _, src := range configured {
		matches, err := doublestar.FilepathGlob(src.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding source %s: %w", src.Name, err)
		}
		switch len(matches) {
		case 0:
			// Not a local glob (e.g. a remote path); pass through untouched.
			sources = append(sources, tilereduce.SourceSpec{Name: src.Name, Path: src.Path})
		case 1:
			sources = append(sources, tilereduce.SourceSpec{Name: src.Name, Path: matches[0]})
		default:
			for i, match := range matches {
				sources = append(sources, tilereduce.SourceSpec{
					Name: fmt.Sprintf("%s-%d", src.Name, i),
					Path: match,
				})
			}
		}
	}
	return sources, nil
}

func openTileStream(path string) (io.Reader, func() error, error) {
	if path == "-" {
		return os.Stdin, nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening tile list: %w", err)
	}
	return f, f.Close, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, f.Close, nil
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

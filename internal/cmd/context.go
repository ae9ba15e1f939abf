package cmd

import (
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/config"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

// CommandContext holds the loaded configuration and the output settings of
// one command invocation. Commands build it in RunE instead of reading
// package globals.
type CommandContext struct {
	Config *config.Config
	// ConfigFile is the file the configuration was read from, if any
	ConfigFile string
	Logger     *log.Logger

	Format  string
	NoColor bool
	Out     io.Writer
	In      io.Reader
}

// NewCommandContext loads the configuration named by --config, or the one
// discovered under the repository's .flotilla directory, applies flag
// overrides and sets up logging.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return nil, err
	}
	noColor, err := cmd.Flags().GetBool("no-color")
	if err != nil {
		return nil, err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	logFormat, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return nil, err
	}

	discovered := false
	if path == "" {
		path = ux.DiscoverConfigFile(".", config.Dir, "config.yaml")
		discovered = path != ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// a discovered config belongs to the repository that holds it
	if discovered && cfg.Integration.Repo == "." {
		cfg.Integration.Repo = filepath.Dir(filepath.Dir(path))
	}
	cfg.Resolve()

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger := log.New(log.Config{
		Level:       log.ParseLevel(cfg.Log.Level),
		Format:      log.ParseFormat(cfg.Log.Format),
		Output:      cmd.ErrOrStderr(),
		ServiceName: "flotilla",
	})
	log.SetDefaultLogger(logger)

	return &CommandContext{
		Config:     cfg,
		ConfigFile: path,
		Logger:     logger,
		Format:     format,
		NoColor:    noColor,
		Out:        cmd.OutOrStdout(),
		In:         cmd.InOrStdin(),
	}, nil
}

// Print writes data in the selected output format
func (c *CommandContext) Print(data any) error {
	f, err := ux.NewFormatter(c.Format, &ux.FormatterOptions{Writer: c.Out, NoColor: c.NoColor})
	if err != nil {
		return err
	}
	return f.Format(data)
}

// PrintWith prints r for text output and data for every other format
func (c *CommandContext) PrintWith(data any, r ux.Renderer) error {
	if c.Format == "" || c.Format == "text" {
		return c.Print(r)
	}
	return c.Print(data)
}

// Styles returns the text palette honoring --no-color
func (c *CommandContext) Styles() ux.Styles {
	return ux.NewStyles(c.NoColor)
}

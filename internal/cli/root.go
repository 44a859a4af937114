// Package cli contains the Cobra commands of the mmq operator tool.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/orbiterhq/mmq"
)

// options are the persistent flags shared by every command.
type options struct {
	dir        string
	name       string
	configPath string
	logLevel   string
}

// NewRoot constructs the root command and registers the subcommands.
func NewRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "mmq",
		Short:         "Inspect and feed memory-mapped queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.dir, "dir", "d", ".", "Queue directory")
	root.PersistentFlags().StringVarP(&opts.name, "name", "n", "", "Queue name")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults apply to missing keys)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error|none (overrides the config file)")
	root.MarkPersistentFlagRequired("name")

	root.AddCommand(
		newAppendCommand(opts),
		newTailCommand(opts),
		newReadCommand(opts),
		newLastCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newStatsCommand(opts),
	)
	return root
}

// LoadConfig reads a YAML config file over mmq.DefaultConfig.
func LoadConfig(path string) (mmq.Config, error) {
	cfg := mmq.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// newZapLogger builds the console logger used by the CLI.
func newZapLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "none") || strings.EqualFold(level, "off") {
		return zap.NewNop(), nil
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// openQueue opens the queue named by opts. Writers may create it; readers
// require it to exist and take its geometry from disk.
func (o *options) openQueue(create bool) (*mmq.Queue, func(), error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := newZapLogger(level)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.Logger = mmq.NewZapAdapter(logger)

	open := mmq.OpenExisting
	if create {
		open = mmq.Open
	}
	q, err := open(o.dir, o.name, cfg)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return q, func() {
		q.Close()
		logger.Sync()
	}, nil
}

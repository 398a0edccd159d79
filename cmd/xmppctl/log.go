package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logOptions struct {
	level      string
	file       string
	maxSize    int
	maxBackups int
	maxAge     int
	compress   bool
}

func (o *logOptions) addFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.level, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&o.file, "log-file", "", "write logs to this file, rotating it, instead of stderr")
	f.IntVar(&o.maxSize, "log-max-size", 100, "megabytes written to the log file before it is rotated")
	f.IntVar(&o.maxBackups, "log-max-backups", 5, "rotated log files kept")
	f.IntVar(&o.maxAge, "log-max-age", 28, "days a rotated log file is kept")
	f.BoolVar(&o.compress, "log-compress", false, "gzip rotated log files")
}

func (o *logOptions) build() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(o.level)); err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	if o.file == "" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		return cfg.Build()
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   o.file,
		MaxSize:    o.maxSize,
		MaxBackups: o.maxBackups,
		MaxAge:     o.maxAge,
		Compress:   o.compress,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), w, level)
	return zap.New(core, zap.AddCaller()), nil
}

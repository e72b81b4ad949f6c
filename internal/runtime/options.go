package runtime

import (
	"log/slog"

	"github.com/drksbr/mtrelay/internal/config"
	"github.com/drksbr/mtrelay/internal/logger"
	"github.com/drksbr/mtrelay/internal/version"
)

// EnvPrefix namespaces every environment variable that maps onto a flag.
const EnvPrefix = "MTRELAY_"

type Options struct {
	JSONLogs  bool
	LogLevel  string
	AddSource bool
	EnvFile   string

	logger *slog.Logger
}

// LoadEnv applies the optional dotenv file before any flag defaults are resolved.
func (o *Options) LoadEnv() error {
	return config.LoadDotEnv(o.EnvFile)
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		AddSource:   o.AddSource,
		ServiceName: "mtrelay",
		Environment: config.GetStringEnv(EnvPrefix+"ENV", ""),
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = l
	return nil
}

// Logger is nil until SetupLogger succeeds.
func (o *Options) Logger() *slog.Logger {
	return o.logger
}

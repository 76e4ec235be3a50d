package main

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FAZBOT"

// options are the process-level settings. Bot settings come from the env
// files through config.EnvSource and are reloadable; these are not.
type options struct {
	EnvFiles     []string
	LogLevel     string
	LogFormat    string
	MetricsAddr  string
	Trace        bool
	InstanceKey  string
	InstanceTTL  time.Duration
	InstanceWait bool
	BusNamespace string
	BanCache     string
	BanCacheSize int
	BanCacheTTL  time.Duration
	DBRetryDelay time.Duration
	StopTimeout  time.Duration
}

func loadOptions(v *viper.Viper) options {
	return options{
		EnvFiles:     v.GetStringSlice("env-file"),
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
		MetricsAddr:  v.GetString("metrics-addr"),
		Trace:        v.GetBool("trace"),
		InstanceKey:  v.GetString("instance-key"),
		InstanceTTL:  v.GetDuration("instance-ttl"),
		InstanceWait: v.GetBool("instance-wait"),
		BusNamespace: v.GetString("bus-namespace"),
		BanCache:     v.GetString("ban-cache"),
		BanCacheSize: v.GetInt("ban-cache-size"),
		BanCacheTTL:  v.GetDuration("ban-cache-ttl"),
		DBRetryDelay: v.GetDuration("db-retry-delay"),
		StopTimeout:  v.GetDuration("stop-timeout"),
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:          "fazbot",
		Short:        "Discord bot runtime",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringSlice("env-file", nil, "dotenv files to read bot settings from (default .env if present)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	_ = v.BindPFlags(flags)

	root.AddCommand(newRunCmd(v), newCheckCmd(v))
	return root
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func newLogger(w io.Writer, opts options) *slog.Logger {
	level, ok := parseLevel(opts.LogLevel)
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(opts.LogFormat, "json") {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	logger := slog.New(&traceHandler{Handler: h})
	if !ok {
		logger.Warn("fazbot: invalid log level, using info", "value", opts.LogLevel)
	}
	return logger
}

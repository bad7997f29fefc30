// Command replicache runs the replicated record cache and its maintenance tasks.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"REPLICACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"REPLICACHE_LOG_FORMAT"`

	LocalRoot      string        `help:"Root directory of the Local store." type:"path" default:"./local" env:"REPLICACHE_LOCAL_ROOT"`
	NetworkRoot    string        `help:"Root directory of the shared Network store." type:"path" env:"REPLICACHE_NETWORK_ROOT"`
	NetworkTimeout time.Duration `help:"Bound on every Network operation." default:"5s" env:"REPLICACHE_NETWORK_TIMEOUT"`
	Owner          string        `help:"Owner identity of this process." env:"REPLICACHE_OWNER"`
	Policies       string        `help:"YAML file overriding per-record cache policies." type:"path" env:"REPLICACHE_POLICIES"`
	SyncTimeout    time.Duration `help:"Bound on waiting for a Network to Local sync." default:"30s" env:"REPLICACHE_SYNC_TIMEOUT"`

	logger *slog.Logger
}

type cli struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Run the cache with its flush, availability and midnight loops and the admin server."`
	Flush     FlushCmd     `cmd:"" help:"Ask a running server to flush dirty entries."`
	Inspect   InspectCmd   `cmd:"" help:"Compare Local and Network records of the owner and show pending repairs."`
	Reconcile ReconcileCmd `cmd:"" help:"Bootstrap Local from Network and push pending records to Network."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("replicache"),
		kong.Description("Local first record cache replicated to a shared Network store."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(os.Stderr, c.LogLevel, c.LogFormat)
	ctx.FatalIfErrorf(err)
	c.logger = logger
	slog.SetDefault(logger)

	ctx.FatalIfErrorf(ctx.Run(&c.Globals))
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

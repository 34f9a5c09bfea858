package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/flagx"
)

// parseFlags populates Config fields from command-line flags. Interval flags
// are whole seconds (or milliseconds for -w) and only applied when given, so
// finer values from JSON survive.
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-f", "-device", "-d", "-i", "-r", "-w", "-p", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.ChangeFeedURL, "f", cfg.ChangeFeedURL, "change feed websocket url")
	fs.StringVar(&cfg.DeviceID, "device", cfg.DeviceID, "device id")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database file")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	requestTimeout := fs.Int("r", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")
	pushDebounce := fs.Int("w", int(cfg.PushDebounce.Milliseconds()), "push debounce window (in milliseconds)")
	fs.IntVar(&cfg.PreloadConcurrency, "p", cfg.PreloadConcurrency, "preload concurrency")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
		case "r":
			cfg.RequestTimeout = time.Duration(*requestTimeout) * time.Second
		case "w":
			cfg.PushDebounce = time.Duration(*pushDebounce) * time.Millisecond
		}
	})
}

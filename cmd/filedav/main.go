package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/filedav/filedav/internal/config"
	"github.com/filedav/filedav/internal/httpserver"
	"github.com/filedav/filedav/internal/logging"
)

const defaultConfigPaths = "?/etc/filedav/config:?~/.config/filedav/config"

type options struct {
	configPaths   string
	verifyStorage bool
	exportStorage string
	debug         bool
	overrides     map[string]string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg, err := config.Load(opts.configPaths, opts.overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if opts.verifyStorage {
		// Verification is read-only, fsync only slows it down.
		cfg.Storage.FilesystemFsync = false
	}
	logger := logging.New(cfg.Logging.Level)

	app, err := httpserver.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer app.Close()

	switch {
	case opts.verifyStorage:
		release, err := app.Storage().Lock(false)
		if err != nil {
			logger.Error().Err(err).Msg("storage lock failed")
			return 1
		}
		problems, err := app.Storage().Verify()
		release()
		if err != nil {
			logger.Error().Err(err).Msg("storage verification aborted")
			return 2
		}
		if problems > 0 {
			logger.Error().Int("problems", problems).Msg("storage verification failed")
			return 2
		}
		logger.Info().Msg("storage verification passed")
		return 0
	case opts.exportStorage != "":
		release, err := app.Storage().Lock(false)
		if err != nil {
			logger.Error().Err(err).Msg("storage lock failed")
			return 1
		}
		err = app.Storage().Export(opts.exportStorage)
		release()
		if err != nil {
			logger.Error().Err(err).Msg("storage export failed")
			return 2
		}
		logger.Info().Str("dir", opts.exportStorage).Msg("storage exported")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return 1
	}
	return 0
}

// parseArgs handles the fixed flags plus --<section>-<key> overrides for
// every configuration option, so the flag surface follows the config
// surface without a hand-kept table.
func parseArgs(args []string) (*options, error) {
	opts := &options{
		configPaths: defaultConfigPaths,
		overrides:   map[string]string{},
	}
	value := func(i int, inline string, hasInline bool) (string, int, error) {
		if hasInline {
			return inline, i, nil
		}
		if i+1 >= len(args) {
			return "", i, fmt.Errorf("option %s needs a value", args[i])
		}
		return args[i+1], i + 1, nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		name := strings.TrimPrefix(arg, "--")
		inline, hasInline := "", false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name, inline, hasInline = name[:eq], name[eq+1:], true
		}
		var err error
		switch name {
		case "config":
			opts.configPaths, i, err = value(i, inline, hasInline)
		case "verify-storage":
			opts.verifyStorage = true
		case "export-storage":
			opts.exportStorage, i, err = value(i, inline, hasInline)
		case "debug":
			opts.debug = true
		case "help":
			usage()
			os.Exit(0)
		default:
			if !strings.Contains(name, "-") {
				return nil, fmt.Errorf("unknown option --%s", name)
			}
			var v string
			v, i, err = value(i, inline, hasInline)
			if err == nil {
				opts.overrides[name] = v
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func usage() {
	fmt.Print(`usage: filedav [options]

  --config PATHS        configuration files, ':' or ';' separated,
                        '?' prefix marks a file optional
  --verify-storage      check the storage tree and exit
  --export-storage DIR  write all collections below DIR and exit
  --debug               force debug logging
  --SECTION-KEY VALUE   override any configuration option,
                        e.g. --server-hosts localhost:5232
`)
}

// Command lexagent is the lexagent CLI client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GoCodeAlone/lexagent/client"
	"github.com/GoCodeAlone/lexagent/internal/logging"
	"github.com/GoCodeAlone/lexagent/session"
)

const defaultServer = "http://localhost:9090"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses global flags, opens the session and dispatches one command.
func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lexagent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		serverURL   = fs.String("server", envOr("LEXAGENT_SERVER", defaultServer), "lexagent server URL")
		token       = fs.String("token", os.Getenv("LEXAGENT_TOKEN"), "bearer token (overrides the saved session)")
		sessionPath = fs.String("session", defaultSessionPath(), "session database path (empty keeps the session in memory)")
		transport   = fs.String("transport", string(client.TransportREST), "task transport: rest or graphql")
		timeout     = fs.Duration("timeout", 30*time.Second, "per-request timeout")
		verbose     = fs.Bool("v", false, "log requests to stderr")
	)
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(argv); err != nil {
		return 2
	}
	args := fs.Args()
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	if args[0] == "version" {
		cmdVersion(stdout)
		return 0
	}
	if args[0] == "update" {
		if err := cmdUpdate(ctx, args[1:], stdout); err != nil {
			if errors.Is(err, errUsage) {
				usage(stderr)
				return 2
			}
			printError(stderr, err)
			return 1
		}
		return 0
	}

	var store session.Store
	if *sessionPath != "" {
		sqlStore, err := session.OpenSQLite(*sessionPath)
		if err != nil {
			printError(stderr, err)
			return 1
		}
		defer sqlStore.Close() //nolint:errcheck
		store = sqlStore
	}
	sess, err := session.New(store)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console"}, sess.Logs().Core(zapcore.DebugLevel))
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
		if err := sess.Flush(); err != nil {
			fmt.Fprintf(stderr, "warning: could not save session: %v\n", err)
		}
	}()

	var creds client.Credentials = sess
	if *token != "" {
		creds = session.WithToken(*token)
	}
	c, err := client.New(client.Config{
		BaseURL:   *serverURL,
		Transport: client.Transport(*transport),
		Timeout:   *timeout,
		Session:   creds,
		Logger:    logger,
	})
	if err != nil {
		printError(stderr, err)
		return 2
	}

	cli := &cli{client: c, sess: sess, creds: creds, logger: logger, out: stdout}
	if err := cli.dispatch(ctx, args[0], args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage(stderr)
			return 2
		}
		if errors.Is(err, context.Canceled) {
			return 130
		}
		logger.Debug("command failed", zap.String("command", args[0]), zap.Error(err))
		printError(stderr, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprint(w, `lexagent: legal document agent CLI

Usage:
  lexagent [flags] <command> [args]

Flags:
  --server    <url>    server URL (default: http://localhost:9090, or $LEXAGENT_SERVER)
  --token     <token>  bearer token (or $LEXAGENT_TOKEN)
  --session   <path>   session database (default: ~/.lexagent/session.db)
  --transport <name>   rest or graphql (default: rest)
  --timeout   <dur>    per-request timeout (default: 30s)
  -v                   verbose logging

Commands:
  version                                  print version
  update [--apply]                         check for a newer release
  login <username> [password]              log in and save the token
  logout                                   forget the saved token
  status                                   show server health
  agents                                   list agents
  agent <start|stop|restart> <type>        control an agent
  submit <type> <action> [flags]           submit a task
      --payload <json|@file>               task input (default: stdin)
      --wait                               poll until the task finishes
      --follow                             stream updates until the task finishes
  task <id>                                show a task
  task cancel <id>                         cancel a task
  task retry <id>                          resubmit a finished task
  tasks [--status S] [--type T] [--limit N]
                                           list tasks
  watch [event types...]                   stream live events
  logs [--limit N] [--clear]               show the session log

Agent types: generation, analysis, classification
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultSessionPath() string {
	if v, ok := os.LookupEnv("LEXAGENT_SESSION"); ok {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lexagent", "session.db")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: clawtasks <command> [flags] [args]

DAEMON:
  daemon [-quiet]               Start the scheduler and gateway (default command)

TASKS:
  create [flags] <content>      Create a task (-type, -schedule, -file, -tag, ...)
  list [-status S] [-tag T]     List tasks
  show <id>                     Show one task
  history [-limit N] <id>       Show execution history
  run <id>                      Execute a task now
  stop <id>                     Pause a task and terminate a live run
  resume <id>                   Resume a paused task
  restart <id>                  Reset a task's counters and schedule
  delete <id>...                Delete tasks
  clear [-all]                  Delete completed and failed tasks, or all of them
  watch [-topic P] [-task ID]   Follow task events from the daemon

OPERATIONS:
  status                        Show daemon health (/healthz)
  doctor [-json]                Run diagnostic checks
  init                          Write a default config.yaml
  version                       Print the version

Client commands accept -addr host:port and -json.

ENVIRONMENT VARIABLES:
  CLAWTASKS_HOME                Data directory (default: ~/.clawtasks)
  CLAWTASKS_AUTH_TOKEN          Gateway bearer token
  CLAWTASKS_BIND_ADDR           Gateway listen address
  CLAWTASKS_SANDBOX_BACKEND     host or docker
  TELEGRAM_TOKEN                Telegram bot token for notifications
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, newCLI(), os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, c *cli, args []string) int {
	if len(args) == 0 {
		return runDaemon(ctx, false)
	}
	cmd, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch cmd {
	case "daemon":
		fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
		fs.SetOutput(c.errOut)
		quiet := fs.Bool("quiet", false, "log to the file only")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return runDaemon(ctx, *quiet)
	case "create":
		return c.runCreate(ctx, rest)
	case "list", "ls":
		return c.runList(ctx, rest)
	case "show", "get":
		return c.runShow(ctx, rest)
	case "history":
		return c.runHistory(ctx, rest)
	case "run", "stop", "resume", "restart":
		return c.runAction(ctx, cmd, rest)
	case "delete", "rm":
		return c.runDelete(ctx, rest)
	case "clear":
		return c.runClear(ctx, rest)
	case "status":
		return c.runStatus(ctx, rest)
	case "watch":
		return c.runWatch(ctx, rest)
	case "doctor":
		return c.runDoctor(ctx, rest)
	case "init":
		return c.runInit(ctx, rest)
	case "version", "-version", "--version":
		fmt.Fprintln(c.out, Version)
		return 0
	case "help", "-h", "--help":
		printUsage(c.out)
		return 0
	default:
		fmt.Fprintf(c.errOut, "unknown command %q\n\n", args[0])
		printUsage(c.errOut)
		return 2
	}
}

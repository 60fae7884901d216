package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/basket/clawtasks/internal/config"
	"github.com/basket/clawtasks/internal/tasks"
)

// cli carries the shared state of the client subcommands.
type cli struct {
	out    io.Writer
	errOut io.Writer
	in     io.Reader
	styled bool
	// client is built lazily from config unless a test sets it.
	client *apiClient
}

func newCLI() *cli {
	return &cli{out: os.Stdout, errOut: os.Stderr, in: os.Stdin, styled: isTerminal(os.Stdout)}
}

// flags builds a flag set with the options every client command shares.
func (c *cli) flags(name string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	addr := fs.String("addr", "", "gateway address (default: bind_addr from config.yaml)")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	return fs, addr, asJSON
}

func (c *cli) connect(addr string) (*apiClient, error) {
	if c.client != nil {
		return c.client, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c.client = newAPIClient(cfg, addr)
	return c.client, nil
}

func (c *cli) render(asJSON bool) renderer {
	return renderer{w: c.out, styled: c.styled && !asJSON, json: asJSON}
}

func (c *cli) fail(err error) int {
	fmt.Fprintf(c.errOut, "error: %v\n", err)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		fmt.Fprintln(c.errOut, "hint: set auth_token in config.yaml or CLAWTASKS_AUTH_TOKEN")
	}
	return 1
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func (c *cli) runCreate(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("create")
	var (
		req     tasks.CreateRequest
		tags    stringList
		timeout time.Duration
		maxExec int
		file    string
		params  string
	)
	fs.StringVar(&req.Name, "name", "", "task name")
	fs.StringVar(&req.Type, "type", "script", "task type: script, reminder, prompt")
	fs.StringVar(&req.Content, "content", "", "task content (script source or message)")
	fs.StringVar(&file, "file", "", "read content from a file, or - for stdin")
	fs.StringVar(&req.Schedule, "schedule", "", "five-field cron expression")
	fs.IntVar(&maxExec, "max-executions", -1, "execution budget, -1 for unlimited")
	fs.IntVar(&req.RetryLimit, "retry-limit", 0, "retries for a failing one-shot task")
	fs.DurationVar(&timeout, "timeout", 0, "execution timeout (e.g. 10s)")
	fs.IntVar(&req.Priority, "priority", 0, "priority, higher runs first")
	fs.Var(&tags, "tag", "tag (repeatable or comma separated)")
	fs.StringVar(&params, "params", "", "JSON object passed to run(params)")
	fs.StringVar(&req.Runtime, "runtime", "", "interpreter runtime: python or node")
	fs.StringVar(&req.OriginChannel, "channel", "", "notification channel for results (e.g. telegram)")
	fs.StringVar(&req.OriginChatID, "chat-id", "", "chat id on the notification channel")
	fs.BoolVar(&req.SkipVerification, "skip-verify", false, "skip the creation-time verification run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if file != "" {
		var (
			raw []byte
			err error
		)
		if file == "-" {
			raw, err = io.ReadAll(c.in)
		} else {
			raw, err = os.ReadFile(file)
		}
		if err != nil {
			return c.fail(fmt.Errorf("read content: %w", err))
		}
		req.Content = string(raw)
	}
	if strings.TrimSpace(req.Content) == "" && fs.NArg() > 0 {
		req.Content = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(req.Content) == "" {
		fmt.Fprintln(c.errOut, "usage: clawtasks create [flags] (-content <text> | -file <path> | <text>)")
		return 2
	}
	if maxExec != -1 {
		req.MaxExecutions = &maxExec
	}
	if timeout > 0 {
		req.TimeoutMS = timeout.Milliseconds()
	}
	req.Tags = tags
	if params != "" {
		if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
			return c.fail(fmt.Errorf("-params must be a JSON object: %w", err))
		}
	}

	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	task, err := client.createTask(ctx, req)
	if err != nil {
		return c.fail(err)
	}
	if err := c.render(*asJSON).task(task); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) runList(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("list")
	status := fs.String("status", "", "filter by status")
	taskType := fs.String("type", "", "filter by type")
	tag := fs.String("tag", "", "filter by tag")
	limit := fs.Int("limit", 0, "maximum tasks to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	q := url.Values{}
	for k, v := range map[string]string{"status": *status, "type": *taskType, "tag": *tag} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if *limit > 0 {
		q.Set("limit", fmt.Sprint(*limit))
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	resp, err := client.listTasks(ctx, q)
	if err != nil {
		return c.fail(err)
	}
	if err := c.render(*asJSON).tasks(resp.Tasks); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) runShow(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.errOut, "usage: clawtasks show <task-id>")
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	task, err := client.getTask(ctx, fs.Arg(0))
	if err != nil {
		return c.fail(err)
	}
	if err := c.render(*asJSON).task(task); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) runHistory(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("history")
	limit := fs.Int("limit", 20, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.errOut, "usage: clawtasks history [-limit N] <task-id>")
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	resp, err := client.history(ctx, fs.Arg(0), *limit)
	if err != nil {
		return c.fail(err)
	}
	if err := c.render(*asJSON).history(resp); err != nil {
		return c.fail(err)
	}
	return 0
}

// runAction handles run, stop, resume and restart.
func (c *cli) runAction(ctx context.Context, verb string, args []string) int {
	fs, addr, asJSON := c.flags(verb)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(c.errOut, "usage: clawtasks %s <task-id>\n", verb)
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	task, err := client.action(ctx, fs.Arg(0), verb)
	if err != nil {
		return c.fail(err)
	}
	if *asJSON {
		return exitOn(c, c.render(true).task(task))
	}
	switch verb {
	case "run":
		fmt.Fprintf(c.out, "task %s started; see `clawtasks history %s`\n", task.ID, task.ID)
	default:
		fmt.Fprintf(c.out, "task %s is now %s\n", task.ID, task.Status)
	}
	return 0
}

func (c *cli) runDelete(ctx context.Context, args []string) int {
	fs, addr, _ := c.flags("delete")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(c.errOut, "usage: clawtasks delete <task-id>...")
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	code := 0
	for _, id := range fs.Args() {
		if err := client.deleteTask(ctx, id); err != nil {
			code = c.fail(fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(c.out, "deleted %s\n", id)
	}
	return code
}

func (c *cli) runClear(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("clear")
	all := fs.Bool("all", false, "delete every task except built-in ones")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	res, err := client.clear(ctx, *all)
	if err != nil {
		return c.fail(err)
	}
	if *asJSON {
		return exitOn(c, c.render(true).writeJSON(res))
	}
	fmt.Fprintf(c.out, "deleted %d tasks", res.Deleted)
	if res.Skipped > 0 {
		fmt.Fprintf(c.out, " (%d protected tasks kept)", res.Skipped)
	}
	fmt.Fprintln(c.out)
	return 0
}

func (c *cli) runStatus(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("status")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body, code, err := client.health(reqCtx)
	if err != nil {
		return c.fail(err)
	}
	if err := c.render(*asJSON).health(body); err != nil {
		return c.fail(err)
	}
	if code != http.StatusOK {
		return 1
	}
	return 0
}

// runWatch prints bus events from the daemon until interrupted.
func exitOn(c *cli, err error) int {
	if err != nil {
		return c.fail(err)
	}
	return 0
}

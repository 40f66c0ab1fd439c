package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/client"
	"github.com/GoCodeAlone/lexagent/internal/version"
	"github.com/GoCodeAlone/lexagent/realtime"
	"github.com/GoCodeAlone/lexagent/session"
	"github.com/GoCodeAlone/lexagent/task"
	"github.com/GoCodeAlone/lexagent/update"
)

var errUsage = errors.New("usage")

// cli holds the state shared by commands.
type cli struct {
	client *client.Client
	sess   *session.Session
	creds  client.Credentials
	logger *zap.Logger
	out    io.Writer
	stdin  io.Reader
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return c.cmdLogin(ctx, args)
	case "logout":
		return c.cmdLogout()
	case "status":
		return c.cmdStatus(ctx)
	case "agents":
		return c.cmdAgents(ctx)
	case "agent":
		return c.cmdAgent(ctx, args)
	case "submit":
		return c.cmdSubmit(ctx, args)
	case "task":
		return c.cmdTask(ctx, args)
	case "tasks":
		return c.cmdTasks(ctx, args)
	case "watch":
		return c.cmdWatch(ctx, args)
	case "logs":
		return c.cmdLogs(args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// --- version ---

func cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "lexagent %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
}

func cmdUpdate(ctx context.Context, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	apply := fs.Bool("apply", false, "download and install the release")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	u := update.New("lexagent", version.Version)
	rel, err := u.Check(ctx)
	if err != nil {
		return err
	}
	if rel == nil {
		fmt.Fprintf(w, "%s lexagent %s is up to date\n", ok(), version.Version)
		return nil
	}
	if !*apply {
		fmt.Fprintf(w, "%s lexagent %s is available (running %s); run 'lexagent update --apply'\n",
			warn(), rel.Version, version.Version)
		return nil
	}
	if err := u.Apply(ctx, rel, ""); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s updated to %s\n", ok(), rel.Version)
	return nil
}

// --- auth ---

func (c *cli) cmdLogin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	username := args[0]
	var password string
	if len(args) > 1 {
		password = args[1]
	} else {
		p, err := readPassword()
		if err != nil {
			return err
		}
		password = p
	}
	if _, err := c.client.Login(ctx, username, password); err != nil {
		return err
	}
	if c.creds != client.Credentials(c.sess) {
		// --token was given; keep the new token for later runs too.
		if err := c.sess.SetToken(c.creds.Token()); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "%s logged in as %s\n", ok(), username)
	return nil
}

func readPassword() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) cmdLogout() error {
	if err := c.sess.Logout(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s logged out\n", ok())
	return nil
}

// --- status ---

func (c *cli) cmdStatus(ctx context.Context) error {
	h, err := c.client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "server:         %s\n", c.client.BaseURL())
	fmt.Fprintf(c.out, "status:         %s\n", colorStatus(h.Status))
	fmt.Fprintf(c.out, "version:        %s\n", h.Version)
	fmt.Fprintf(c.out, "uptime:         %ds\n", h.UptimeSeconds)
	fmt.Fprintf(c.out, "stream clients: %d\n", h.StreamClients)
	loggedIn := "no"
	if c.creds.Token() != "" {
		loggedIn = "yes"
	}
	fmt.Fprintf(c.out, "logged in:      %s\n", loggedIn)
	return nil
}

// --- agents ---

func (c *cli) cmdAgents(ctx context.Context) error {
	agents, err := c.client.AgentStatus(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(c.out, "no agents")
		return nil
	}
	fmt.Fprintf(c.out, "%-16s %-22s %-10s %-9s %-6s %s\n", "TYPE", "NAME", "STATUS", "IN FLIGHT", "DONE", "LAST ERROR")
	fmt.Fprintln(c.out, strings.Repeat("-", 86))
	for _, a := range agents {
		fmt.Fprintf(c.out, "%-16s %-22s %-10s %-9d %-6d %s\n",
			label(a.Type),
			truncate(a.Name, 21),
			colorStatus(string(a.Status)),
			a.TasksInFlight,
			a.TasksDone,
			truncate(a.LastError, 30),
		)
	}
	return nil
}

func (c *cli) cmdAgent(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	op, err := agent.ParseControlOp(args[0])
	if err != nil {
		return err
	}
	t, err := agent.ParseType(args[1])
	if err != nil {
		return err
	}
	info, err := c.client.ControlAgent(ctx, t, op)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s agent is %s\n", ok(), label(info.Type), colorStatus(string(info.Status)))
	return nil
}

// --- submit ---

func (c *cli) cmdSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	payloadArg := fs.String("payload", "", "task input as JSON or @file")
	wait := fs.Bool("wait", false, "poll until the task finishes")
	follow := fs.Bool("follow", false, "stream updates until the task finishes")
	if len(args) < 2 {
		return errUsage
	}
	if err := fs.Parse(args[2:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	t, err := agent.ParseType(args[0])
	if err != nil {
		return err
	}
	action := agent.Action(args[1])

	raw, err := c.readPayload(*payloadArg)
	if err != nil {
		return err
	}
	payload, err := task.DecodePayload(t, raw)
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", t, err)
	}

	id, err := c.client.Submit(ctx, t, action, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s submitted task %s\n", ok(), id)

	switch {
	case *follow:
		return c.follow(ctx, id)
	case *wait:
		final, err := c.client.WaitForTask(ctx, id, client.WaitOptions{OnUpdate: c.printProgress})
		if err != nil {
			return err
		}
		c.printTask(final)
		return taskError(final)
	}
	return nil
}

// readPayload reads JSON from the argument, from @file, or from stdin.
func (c *cli) readPayload(arg string) ([]byte, error) {
	switch {
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	case arg != "":
		return []byte(arg), nil
	}
	in := c.stdin
	if in == nil {
		in = os.Stdin
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, errors.New("a payload is required (--payload JSON, --payload @file, or stdin)")
	}
	return b, nil
}

// follow tracks a task over the event stream, falling back to polling.
func (c *cli) follow(ctx context.Context, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := realtime.NewChannel(realtime.Config{
		URL:     c.client.StreamURL(),
		Session: c.creds,
		Logger:  c.logger,
		OnStateChange: func(s realtime.State) {
			if s == realtime.StateDegraded {
				fmt.Fprintf(c.out, "%s live updates unavailable, polling\n", warn())
			}
		},
	})

	var final *task.Task
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ch.Run(gctx); err != nil {
			c.logger.Debug("stream ended", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		t, err := c.client.Track(gctx, id, client.TrackOptions{Channel: ch, OnUpdate: c.printProgress})
		final = t
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	c.printTask(final)
	return taskError(final)
}

func taskError(t *task.Task) error {
	if t != nil && t.Status == task.StatusFailed {
		return fmt.Errorf("task %s failed: %s", t.ID, t.Error)
	}
	return nil
}

// --- tasks ---

func (c *cli) cmdTask(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "cancel":
		if len(args) < 2 {
			return errUsage
		}
		t, err := c.client.CancelTask(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s task %s canceled\n", ok(), t.ID)
		return nil
	case "retry":
		if len(args) < 2 {
			return errUsage
		}
		id, err := c.client.RetryTask(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s resubmitted as task %s\n", ok(), id)
		return nil
	}
	t, err := c.client.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	c.printTask(t)
	return nil
}

func (c *cli) cmdTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "filter by status")
	typ := fs.String("type", "", "filter by agent type")
	limit := fs.Int("limit", 20, "maximum tasks to show")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	filter := task.Filter{Limit: *limit}
	if *status != "" {
		st := task.Status(strings.ToUpper(*status))
		filter.Status = &st
	}
	if *typ != "" {
		t, err := agent.ParseType(*typ)
		if err != nil {
			return err
		}
		filter.AgentType = t
	}

	tasks, err := c.client.ListTasks(ctx, filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(c.out, "no tasks")
		return nil
	}
	fmt.Fprintf(c.out, "%-36s %-16s %-10s %-11s %-5s %s\n", "ID", "AGENT", "ACTION", "STATUS", "PCT", "UPDATED")
	fmt.Fprintln(c.out, strings.Repeat("-", 100))
	for _, t := range tasks {
		fmt.Fprintf(c.out, "%-36s %-16s %-10s %-11s %-5s %s\n",
			t.ID,
			label(t.AgentType),
			t.Action,
			colorStatus(string(t.Status)),
			fmt.Sprintf("%d%%", t.Progress),
			t.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

// --- watch ---

func (c *cli) cmdWatch(ctx context.Context, args []string) error {
	types := []realtime.EventType{realtime.EventTaskUpdate, realtime.EventAgentStatus, realtime.EventSystemHealth}
	if len(args) > 0 {
		types = types[:0]
		for _, a := range args {
			types = append(types, realtime.EventType(a))
		}
	}

	ch := realtime.NewChannel(realtime.Config{
		URL:     c.client.StreamURL(),
		Session: c.creds,
		Logger:  c.logger,
		OnStateChange: func(s realtime.State) {
			fmt.Fprintf(c.out, "%s stream %s\n", faint("--"), s)
		},
	})
	for _, t := range types {
		ch.Subscribe(t, c.printEvent)
	}
	if err := ch.Run(ctx); err != nil {
		return err
	}
	return nil
}

// --- logs ---

func (c *cli) cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "entries to show (0 for all)")
	clearLog := fs.Bool("clear", false, "clear the log")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *clearLog {
		c.sess.Logs().Clear()
		fmt.Fprintf(c.out, "%s session log cleared\n", ok())
		return nil
	}

	entries := c.sess.Logs().Entries()
	if *limit > 0 && len(entries) > *limit {
		entries = entries[len(entries)-*limit:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no log entries")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(c.out, "%s %-5s %s %s",
			e.Time.Local().Format("2006-01-02 15:04:05"),
			colorLevel(e.Level),
			faint(e.Logger),
			e.Message,
		)
		if e.Fields != "" && e.Fields != "{}" {
			fmt.Fprintf(c.out, " %s", faint(e.Fields))
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

// --- printing ---

func (c *cli) printProgress(t *task.Task) {
	fmt.Fprintf(c.out, "  %s %s %3d%%\n", faint(t.UpdatedAt.Local().Format("15:04:05")), colorStatus(string(t.Status)), t.Progress)
}

func (c *cli) printTask(t *task.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(c.out, "id:       %s\n", t.ID)
	fmt.Fprintf(c.out, "agent:    %s\n", label(t.AgentType))
	fmt.Fprintf(c.out, "action:   %s\n", t.Action)
	fmt.Fprintf(c.out, "status:   %s (%d%%)\n", colorStatus(string(t.Status)), t.Progress)
	if t.RetryOf != "" {
		fmt.Fprintf(c.out, "retry of: %s\n", t.RetryOf)
	}
	if t.Error != "" {
		fmt.Fprintf(c.out, "error:    %s\n", t.Error)
	}
	switch r := t.Result.(type) {
	case task.GenerationResult:
		fmt.Fprintf(c.out, "words:    %d\n\n%s\n", r.WordCount, r.Content)
	case task.AnalysisResult:
		fmt.Fprintf(c.out, "score:    %.2f\nsummary:  %s\n", r.Score, r.Summary)
		for _, f := range r.Findings {
			fmt.Fprintf(c.out, "  - [%s] %s: %s\n", colorSeverity(f.Severity), f.Clause, f.Note)
		}
	case task.ClassificationResult:
		fmt.Fprintf(c.out, "category: %s (%.0f%%)\n", r.Category, r.Confidence*100)
		if len(r.Labels) > 0 {
			fmt.Fprintf(c.out, "labels:   %s\n", strings.Join(r.Labels, ", "))
		}
	}
}

func (c *cli) printEvent(ev realtime.Event) {
	ts := faint(ev.Timestamp.Local().Format("15:04:05"))
	switch ev.Type {
	case realtime.EventTaskUpdate:
		t, err := ev.Task()
		if err != nil {
			break
		}
		fmt.Fprintf(c.out, "%s task   %s %s %s %d%%\n", ts, t.ID, label(t.AgentType), colorStatus(string(t.Status)), t.Progress)
		return
	case realtime.EventAgentStatus:
		a, err := ev.Agent()
		if err != nil {
			break
		}
		fmt.Fprintf(c.out, "%s agent  %s %s\n", ts, label(a.Type), colorStatus(string(a.Status)))
		return
	case realtime.EventSystemHealth:
		h, err := ev.Health()
		if err != nil {
			break
		}
		fmt.Fprintf(c.out, "%s health %s, %d tasks in flight\n", ts, colorStatus(h.Status), h.TasksInFlight)
		return
	}
	raw, _ := json.Marshal(ev.Payload)
	fmt.Fprintf(c.out, "%s %s %s\n", ts, ev.Type, truncate(string(raw), 120))
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/agenterr"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()

	titleCase = cases.Title(language.English)
)

func ok() string   { return green("✓") }
func warn() string { return yellow("!") }

func faint(s string) string {
	if s == "" {
		return s
	}
	return dim(s)
}

// label renders an agent type for display, e.g. "Classification".
func label(t agent.Type) string {
	return titleCase.String(string(t))
}

func colorStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed", "running", "ok", "open":
		return green(s)
	case "processing", "pending", "degraded", "reconnecting", "connecting":
		return yellow(s)
	case "failed", "stopped", "error", "down":
		return red(s)
	}
	return s
}

func colorLevel(level string) string {
	switch strings.ToLower(level) {
	case "error", "dpanic", "panic", "fatal":
		return red(level)
	case "warn":
		return yellow(level)
	case "debug":
		return dim(level)
	}
	return level
}

func colorSeverity(s string) string {
	switch s {
	case "high":
		return red(s)
	case "medium":
		return yellow(s)
	}
	return s
}

// printError prints err with the action the user should take next when it
// came from a request.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", red(bold("error:")), err)
	var ae *agenterr.Error
	var te *agenterr.TimeoutError
	if errors.As(err, &ae) || errors.As(err, &te) {
		fmt.Fprintf(w, "%s %s\n", yellow("hint:"), agenterr.RecommendedAction(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

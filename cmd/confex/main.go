// confex exports a Confluence space to a directory of Markdown files,
// following macro, link and mention references discovered in page bodies.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"confex/internal/errors"
	"confex/internal/scheduler"
)

// Exit codes are the CLI contract.
const (
	exitOK            = 0
	exitRunFailed     = 1
	exitInvalidConfig = 2
	exitCorruption    = 3
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is a terminal; progress lines are suppressed
// otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "confex",
		Short:         "Confluence space exporter",
		Long:          "confex exports a Confluence space to Markdown, discovering linked pages, attachments and user references as it goes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	exportCmd, _ := newExportCmd()
	root.AddCommand(exportCmd)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps run errors to the exit code contract.
func exitCodeFor(err error) int {
	var cfgErr *errors.ConfigError
	if stderrors.As(err, &cfgErr) {
		return exitInvalidConfig
	}
	var corruptErr *errors.CorruptionError
	if stderrors.As(err, &corruptErr) {
		return exitCorruption
	}
	var abortErr *scheduler.AbortError
	if stderrors.As(err, &abortErr) {
		return exitRunFailed
	}
	return exitRunFailed
}

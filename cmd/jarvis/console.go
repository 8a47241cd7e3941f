package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"jarvis/internal/kernel"
	"jarvis/pkg/jarvis"
)

const (
	consolePrompt   = "jarvis> "
	consoleGreeting = "type 'help' for commands and 'exit' to quit"

	// chainSeparator splits one input line into sequentially dispatched
	// commands.
	chainSeparator = "&&"
)

// dispatcher is the kernel surface the console drives.
type dispatcher interface {
	Dispatch(ctx context.Context, line string) (jarvis.Result, error)
	DispatchChain(ctx context.Context, commands []string) []kernel.DispatchOutcome
}

// console reads command lines, dispatches them, and prints results until the
// input ends, the context is cancelled, or a command requests exit.
type console struct {
	dispatcher dispatcher
	in         io.Reader
	out        io.Writer
}

func newConsole(dispatcher dispatcher, in io.Reader, out io.Writer) *console {
	return &console{dispatcher: dispatcher, in: in, out: out}
}

// Run consumes input lines until EOF, cancellation, or an exit result. The
// reader runs in its own goroutine so cancellation interrupts a blocked read.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
		}
	}()

	fmt.Fprintln(c.out, consoleGreeting)
	for {
		fmt.Fprint(c.out, consolePrompt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("read input: %w", err)
				default:
					return nil
				}
			}
			if c.handleLine(ctx, line) {
				fmt.Fprintln(c.out, "exiting")
				return nil
			}
		}
	}
}

// handleLine dispatches one input line and reports whether it requested exit.
// Blank lines are skipped without touching the dispatcher.
func (c *console) handleLine(ctx context.Context, line string) bool {
	commands := splitChain(line)
	switch len(commands) {
	case 0:
		return false
	case 1:
		result, err := c.dispatcher.Dispatch(ctx, commands[0])
		return c.printOutcome(result, err)
	default:
		exit := false
		for _, outcome := range c.dispatcher.DispatchChain(ctx, commands) {
			if c.printOutcome(outcome.Result, outcome.Err) {
				exit = true
			}
		}
		return exit
	}
}

// printOutcome renders one dispatch outcome and reports an exit request.
func (c *console) printOutcome(result jarvis.Result, err error) bool {
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}
	if result.Output != "" {
		fmt.Fprintln(c.out, result.Output)
	}

	return result.Exit
}

// splitChain splits a line on the chain separator, dropping blank segments.
func splitChain(line string) []string {
	segments := strings.Split(line, chainSeparator)
	commands := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment = strings.TrimSpace(segment); segment != "" {
			commands = append(commands, segment)
		}
	}

	return commands
}

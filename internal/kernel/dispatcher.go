package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"jarvis/pkg/jarvis"
)

// usageLine is printed verbatim for empty input.
const usageLine = "Enter <module> <action> [--param=value|--flag|-k value]..."

// builtinNames are intercepted before module resolution.
var builtinNames = map[string]struct{}{
	"list_commands": {},
	"help":          {},
	"exit":          {},
	"load":          {},
	"unload":        {},
	"reload":        {},
}

// Dispatch parses one command line and executes it end to end: builtin
// interception, module and action resolution, parameter validation, handler
// execution under the dispatch timeout, and fallback on handler failure.
//
// An unresolvable command produces a structured not-found result instead of
// an error so interactive callers always get usable output. Empty input
// returns the usage line with no side effects.
func (k *Kernel) Dispatch(ctx context.Context, line string) (jarvis.Result, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return jarvis.Result{Output: usageLine}, nil
	}

	tokens, err := tokenizeCommandLine(trimmed)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("dispatch: %w", err)
	}

	if _, builtin := builtinNames[tokens[0]]; builtin {
		return k.dispatchBuiltin(ctx, tokens[0], tokens[1:])
	}

	module, action, paramTokens := splitInvocation(tokens)
	params, err := parseParams(paramTokens)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("dispatch: %w", err)
	}

	registration, state, err := k.resolveCommand(module, action)
	if err != nil {
		k.cfg.logger.Debug("command not found", "module", module, "action", action)
		return k.notFoundResult(module, action), nil
	}

	key := jarvis.CommandKey(module, action)
	switch {
	case state == jarvis.StatePaused:
		return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", key, jarvis.ErrModulePaused)
	case registration.degraded:
		return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", key, jarvis.ErrCapabilityUnavailable)
	}

	if err := registration.spec.BindParams(params); err != nil {
		return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", key, err)
	}

	req := jarvis.Request{Module: module, Action: action, Params: params, RawInput: trimmed}

	started := time.Now()
	result, err := k.runWithFallback(ctx, req, func(execCtx context.Context) (jarvis.Result, error) {
		return k.invokeHandler(execCtx, registration, req)
	})
	duration := time.Since(started)

	if err != nil {
		k.cfg.logger.Error("command failed", "key", key, "duration", duration, "error", err)
		k.publishEvent(ctx, jarvis.Event{
			Kind:    jarvis.EventCommandFailed,
			Module:  module,
			Command: key,
			Err:     err.Error(),
		})
		// A dispatch aborted by context cancellation is not a module defect.
		if !isContextCancellation(err) && k.flags.recordFailure(module) {
			k.cfg.logger.Warn("module flagged for repeated failures", "module", module)
			k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModuleFlagged, Module: module})
		}

		return jarvis.Result{}, err
	}

	k.cfg.logger.Debug("command executed", "key", key, "duration", duration)
	k.publishEvent(ctx, jarvis.Event{
		Kind:    jarvis.EventCommandExecuted,
		Module:  module,
		Command: key,
		Fields:  map[string]string{"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10)},
	})

	return result, nil
}

// DispatchOutcome pairs one chained command with its result or error.
type DispatchOutcome struct {
	Input  string
	Result jarvis.Result
	Err    error
}

// DispatchChain executes commands sequentially, collecting per-command
// outcomes. Failures do not stop the chain; an exit request or context
// cancellation does.
func (k *Kernel) DispatchChain(ctx context.Context, commands []string) []DispatchOutcome {
	outcomes := make([]DispatchOutcome, 0, len(commands))
	for _, command := range commands {
		if ctx.Err() != nil {
			break
		}
		result, err := k.Dispatch(ctx, command)
		outcomes = append(outcomes, DispatchOutcome{Input: command, Result: result, Err: err})
		if err == nil && result.Exit {
			break
		}
	}

	return outcomes
}

// invokeHandler runs one handler under the dispatch timeout. On deadline the
// owning module's external process, if any, is terminated and the timeout is
// reported as such rather than as a generic failure.
func (k *Kernel) invokeHandler(
	ctx context.Context,
	registration commandRegistration,
	req jarvis.Request,
) (jarvis.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, k.cfg.dispatchTimeout)
	defer cancel()

	type handlerOutcome struct {
		result jarvis.Result
		err    error
	}
	outcome := make(chan handlerOutcome, 1)
	go func() {
		result, err := runHandlerSafely("handler "+req.Key(), func() (jarvis.Result, error) {
			return registration.spec.Handler(execCtx, req)
		})
		outcome <- handlerOutcome{result: result, err: err}
	}()

	select {
	case finished := <-outcome:
		return finished.result, finished.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			k.terminateModuleProcess(registration.moduleName)
			return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", req.Key(), jarvis.ErrTimeoutExceeded)
		}

		return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", req.Key(), execCtx.Err())
	}
}

// terminateModuleProcess kills the external process reported by a module
// after a dispatch timeout. A process that already exited is not an error.
func (k *Kernel) terminateModuleProcess(moduleName string) {
	k.mu.RLock()
	record, exists := k.modules[moduleName]
	k.mu.RUnlock()
	if !exists {
		return
	}

	owner, ok := record.module.(jarvis.ProcessOwner)
	if !ok {
		return
	}
	pid := owner.PID()
	if pid <= 0 {
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		k.cfg.logger.Warn("find timed out process", "module", moduleName, "pid", pid, "error", err)
		return
	}
	if err := process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		k.cfg.logger.Warn("terminate timed out process", "module", moduleName, "pid", pid, "error", err)
		return
	}

	k.cfg.logger.Warn("terminated timed out process", "module", moduleName, "pid", pid)
}

// dispatchBuiltin handles the bare commands intercepted before module
// resolution.
func (k *Kernel) dispatchBuiltin(ctx context.Context, name string, args []string) (jarvis.Result, error) {
	switch name {
	case "exit":
		return jarvis.Result{Exit: true}, nil
	case "list_commands":
		return k.builtinListCommands(), nil
	case "help":
		return k.builtinHelp(args), nil
	case "load", "unload", "reload":
		if len(args) != 1 {
			return jarvis.Result{}, fmt.Errorf("dispatch %s: %w", name,
				&jarvis.ValidationError{Param: "module", Reason: "exactly one module name required"})
		}
		return k.builtinLifecycle(ctx, name, args[0])
	default:
		return k.notFoundResult(name, ""), nil
	}
}

// builtinListCommands renders every registered command key, one per line.
func (k *Kernel) builtinListCommands() jarvis.Result {
	entries := k.listCommandEntries()
	if len(entries) == 0 {
		return jarvis.Result{Output: "no commands registered"}
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		line := entry.Key()
		if entry.Degraded {
			line += " [degraded]"
		}
		lines = append(lines, line)
	}

	return jarvis.Result{
		Output: strings.Join(lines, "\n"),
		Data:   map[string]any{"commands": lines},
	}
}

// builtinHelp renders general help, or detailed usage for one command.
func (k *Kernel) builtinHelp(args []string) jarvis.Result {
	if len(args) == 0 {
		return k.generalHelp()
	}

	topic := args[0]
	if _, builtin := builtinNames[topic]; builtin {
		return jarvis.Result{Output: builtinHelpText(topic)}
	}

	module, action, ok := jarvis.SplitCommandKey(topic)
	if !ok && len(args) > 1 {
		module, action, ok = topic, args[1], true
	}
	if ok {
		if registration, _, err := k.resolveCommand(module, action); err == nil {
			return commandHelp(module, registration.spec)
		}
	}

	return jarvis.Result{Output: "no help available for: " + strings.Join(args, " ")}
}

// generalHelp renders the usage line, the builtins, and every command.
func (k *Kernel) generalHelp() jarvis.Result {
	var b strings.Builder
	b.WriteString(usageLine)
	b.WriteString("\n\nbuiltins:\n")

	builtins := make([]string, 0, len(builtinNames))
	for name := range builtinNames {
		builtins = append(builtins, name)
	}
	sort.Strings(builtins)
	for _, name := range builtins {
		b.WriteString("  " + name + "\n")
	}

	entries := k.listCommandEntries()
	if len(entries) == 0 {
		return jarvis.Result{Output: strings.TrimRight(b.String(), "\n")}
	}

	b.WriteString("\ncommands:\n")
	for _, entry := range entries {
		usage := commandUsage(entry.Module, jarvis.CommandSpec{Action: entry.Action, Params: entry.Params})
		b.WriteString("  " + usage)
		if entry.Description != "" {
			b.WriteString("  " + entry.Description)
		}
		if entry.Degraded {
			b.WriteString("  [degraded]")
		}
		b.WriteString("\n")
	}

	return jarvis.Result{Output: strings.TrimRight(b.String(), "\n")}
}

// commandHelp renders detailed usage for one resolved command.
func commandHelp(module string, spec jarvis.CommandSpec) jarvis.Result {
	var b strings.Builder
	b.WriteString(commandUsage(module, spec))
	if spec.Description != "" {
		b.WriteString("\n" + spec.Description)
	}
	for _, param := range spec.Params {
		b.WriteString("\n  " + paramDescriptor(param))
		if param.Required {
			b.WriteString(" (required)")
		}
		if param.Description != "" {
			b.WriteString("  " + param.Description)
		}
	}

	return jarvis.Result{Output: b.String()}
}

// builtinHelpText describes one intercepted builtin.
func builtinHelpText(name string) string {
	switch name {
	case "exit":
		return "exit\nterminate the session"
	case "help":
		return "help [<module>.<action>]\nshow usage for every command or one command"
	case "list_commands":
		return "list_commands\nlist every registered command key"
	case "load":
		return "load <module>\nload a registered module"
	case "unload":
		return "unload <module>\nunload a loaded module"
	case "reload":
		return "reload <module>\nunload and load a module"
	default:
		return "no help available for: " + name
	}
}

// builtinLifecycle runs the load, unload, and reload builtins.
func (k *Kernel) builtinLifecycle(ctx context.Context, verb, name string) (jarvis.Result, error) {
	var err error
	switch verb {
	case "load":
		err = k.Load(ctx, name)
	case "unload":
		err = k.Unload(ctx, name)
	case "reload":
		err = k.Reload(ctx, name)
	}
	if err != nil {
		return jarvis.Result{}, err
	}

	output := fmt.Sprintf("module %s %sed", name, verb)
	if status, statusErr := k.ModuleStatus(name); statusErr == nil {
		output = fmt.Sprintf("module %s %sed (state %s)", name, verb, status.State)
	}

	return jarvis.Result{Output: output}, nil
}

// notFoundResult builds the structured not-found result with the closest
// registered commands.
func (k *Kernel) notFoundResult(module, action string) jarvis.Result {
	key := jarvis.CommandKey(module, action)
	suggestions := k.suggestCommands(module, action)

	var output strings.Builder
	fmt.Fprintf(&output, "command not found: %s", key)
	if len(suggestions) > 0 {
		output.WriteString("\nclosest commands:")
		for _, suggestion := range suggestions {
			output.WriteString("\n  " + suggestion)
		}
	}

	return jarvis.Result{
		Output: output.String(),
		Data: map[string]any{
			"error":       "command_not_found",
			"key":         key,
			"suggestions": suggestions,
		},
	}
}

// suggestCommands ranks registered command keys by edit distance to the
// unresolved input. Keys in the same module rank by action distance, so a
// near-miss action beats another module's key.
func (k *Kernel) suggestCommands(module, action string) []string {
	entries := k.listCommandEntries()
	input := jarvis.CommandKey(module, action)

	type scored struct {
		key   string
		score int
	}
	candidates := make([]scored, 0, len(entries))
	for _, entry := range entries {
		score := levenshtein(input, entry.Key())
		if entry.Module == module {
			score = levenshtein(action, entry.Action)
		}
		candidates = append(candidates, scored{key: entry.Key(), score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	suggestions := make([]string, 0, k.cfg.suggestionLimit)
	for _, candidate := range candidates {
		if len(suggestions) == k.cfg.suggestionLimit || candidate.score > suggestionCutoff(input) {
			break
		}
		suggestions = append(suggestions, candidate.key)
	}

	return suggestions
}

// suggestionCutoff bounds how fuzzy a suggestion may be before it reads as noise.
func suggestionCutoff(input string) int {
	cutoff := len(input) / 2
	if cutoff < 3 {
		cutoff = 3
	}

	return cutoff
}

// splitInvocation maps tokens onto module, action, and parameter tokens,
// accepting both the dotted form and the spaced form shown by the usage line.
func splitInvocation(tokens []string) (module, action string, paramTokens []string) {
	if module, action, ok := jarvis.SplitCommandKey(tokens[0]); ok {
		return module, action, tokens[1:]
	}

	module = tokens[0]
	if len(tokens) > 1 && !strings.HasPrefix(tokens[1], "-") {
		return module, tokens[1], tokens[2:]
	}

	return module, "", tokens[1:]
}

// parseParams interprets parameter tokens: --key=value, --flag (the literal
// value "true"), and -k value where value is the next token unless it starts
// with a dash.
func parseParams(tokens []string) (jarvis.Params, error) {
	params := make(jarvis.Params, len(tokens))
	for idx := 0; idx < len(tokens); idx++ {
		token := tokens[idx]
		switch {
		case strings.HasPrefix(token, "--"):
			body := token[2:]
			name, value, hasValue := strings.Cut(body, "=")
			if name == "" {
				return nil, &jarvis.ValidationError{Param: token, Reason: "empty parameter name"}
			}
			if hasValue {
				params[name] = value
			} else {
				params[name] = "true"
			}
		case strings.HasPrefix(token, "-") && len(token) > 1:
			name := token[1:]
			if idx+1 < len(tokens) && !strings.HasPrefix(tokens[idx+1], "-") {
				params[name] = tokens[idx+1]
				idx++
			} else {
				params[name] = "true"
			}
		default:
			return nil, &jarvis.ValidationError{Param: token, Reason: "expected --key=value, --flag or -k value"}
		}
	}

	return params, nil
}

// tokenizeCommandLine splits an input line on whitespace, honoring single
// and double quotes so parameter values may contain spaces.
func tokenizeCommandLine(line string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("tokenize %q: unterminated quote", line)
	}
	if inToken {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}

// levenshtein computes edit distance with the classic two-row method.
func levenshtein(a, b string) int {
	left, right := []rune(a), []rune(b)
	if len(left) == 0 {
		return len(right)
	}
	if len(right) == 0 {
		return len(left)
	}

	previous := make([]int, len(right)+1)
	current := make([]int, len(right)+1)
	for jdx := range previous {
		previous[jdx] = jdx
	}
	for idx := 1; idx <= len(left); idx++ {
		current[0] = idx
		for jdx := 1; jdx <= len(right); jdx++ {
			cost := 1
			if left[idx-1] == right[jdx-1] {
				cost = 0
			}
			current[jdx] = min(current[jdx-1]+1, previous[jdx]+1, previous[jdx-1]+cost)
		}
		previous, current = current, previous
	}

	return previous[len(right)]
}

package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"jarvis/pkg/jarvis"
)

// commandRegistration is one command table entry.
//
// moduleName is the owning module, which may differ from the key's namespace
// for runtime registrations into another module's prefix. The owner's state
// governs execution. degraded marks a safe-mode stub: the entry stays
// listable but dispatch reports the capability as unavailable instead of
// running the handler.
type commandRegistration struct {
	moduleName string
	spec       jarvis.CommandSpec
	degraded   bool
}

// registerModuleCommandsLocked inserts the declarative command set of one
// module. The caller must hold k.mu so a dispatch never observes a
// half-registered module.
func (k *Kernel) registerModuleCommandsLocked(record *moduleRecord, commands []jarvis.CommandSpec) error {
	seen := make(map[string]struct{}, len(commands))
	for index, command := range commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("register command[%d] for module %s: %w", index, record.name, err)
		}
		if _, exists := seen[command.Action]; exists {
			return fmt.Errorf("register command %s for module %s: duplicate declaration",
				jarvis.CommandKey(record.name, command.Action), record.name)
		}
		seen[command.Action] = struct{}{}
	}

	for _, command := range commands {
		if err := k.registerCommandLocked(record, record.name, command); err != nil {
			return err
		}
	}

	return nil
}

// registerCommandLocked inserts or replaces one command entry owned by a
// module. The caller must hold k.mu.
//
// A replaced entry belonging to another module is remembered on the record
// so unload can restore it; replacing the module's own earlier registration
// discards the old generation. Every replacement is logged as a notice
// rather than silently dropped.
func (k *Kernel) registerCommandLocked(record *moduleRecord, namespace string, command jarvis.CommandSpec) error {
	if err := command.Validate(); err != nil {
		return fmt.Errorf("register command for module %s: %w", record.name, err)
	}
	key, err := commandKeyFor(namespace, command.Action)
	if err != nil {
		return fmt.Errorf("register command for module %s: %w", record.name, err)
	}

	previous, exists := k.commands[key]
	if exists {
		k.cfg.logger.Warn("command replaced",
			"key", key,
			"previous_module", previous.moduleName,
			"module", record.name,
		)
		if previous.moduleName != record.name {
			if _, held := record.replaced[key]; !held {
				record.replaced[key] = previous
			}
		}
	}
	if !k.keyTrackedLocked(record, key) {
		record.commandKeys = append(record.commandKeys, key)
	}

	k.commands[key] = commandRegistration{
		moduleName: record.name,
		spec:       cloneCommandSpec(command),
		degraded:   commandDegraded(command.Requires, record.missing),
	}

	return nil
}

// unregisterCommandLocked removes one command key owned by a module and
// restores the entry it replaced. Keys the module does not own, including
// absent keys, are a no-op. The caller must hold k.mu.
func (k *Kernel) unregisterCommandLocked(record *moduleRecord, key string) {
	current, exists := k.commands[key]
	if !exists || current.moduleName != record.name {
		return
	}

	delete(k.commands, key)
	if previous, held := record.replaced[key]; held {
		k.commands[key] = previous
		delete(record.replaced, key)
	}

	for index, tracked := range record.commandKeys {
		if tracked == key {
			record.commandKeys = append(record.commandKeys[:index], record.commandKeys[index+1:]...)
			break
		}
	}
}

// unregisterModuleCommandsLocked removes every command owned by one module,
// restoring the entries its registrations replaced. The caller must hold k.mu.
func (k *Kernel) unregisterModuleCommandsLocked(record *moduleRecord) {
	for _, key := range append([]string(nil), record.commandKeys...) {
		k.unregisterCommandLocked(record, key)
	}
	record.commandKeys = nil
	record.replaced = make(map[string]commandRegistration)
}

// keyTrackedLocked reports whether the record already tracks a command key.
func (k *Kernel) keyTrackedLocked(record *moduleRecord, key string) bool {
	for _, tracked := range record.commandKeys {
		if tracked == key {
			return true
		}
	}

	return false
}

// resolveCommand resolves one command key together with the owning module
// state observed under the same read lock.
func (k *Kernel) resolveCommand(module, action string) (commandRegistration, jarvis.ModuleState, error) {
	key := jarvis.CommandKey(module, action)

	k.mu.RLock()
	defer k.mu.RUnlock()

	registration, exists := k.commands[key]
	if !exists {
		return commandRegistration{}, "", fmt.Errorf("resolve %s: %w", key, jarvis.ErrCommandNotFound)
	}

	state := jarvis.StateReady
	if record, tracked := k.modules[registration.moduleName]; tracked {
		state = record.state
	}

	return registration, state, nil
}

// listCommandEntries returns the registered commands ordered by module name
// then action name for deterministic listing output.
func (k *Kernel) listCommandEntries() []jarvis.CommandEntry {
	k.mu.RLock()
	entries := make([]jarvis.CommandEntry, 0, len(k.commands))
	for key, registration := range k.commands {
		module, action, ok := jarvis.SplitCommandKey(key)
		if !ok {
			continue
		}
		entries = append(entries, jarvis.CommandEntry{
			Module:      module,
			Action:      action,
			Description: registration.spec.Description,
			Degraded:    registration.degraded,
			Params:      append([]jarvis.ParamSpec(nil), registration.spec.Params...),
		})
	}
	k.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Module == entries[j].Module {
			return entries[i].Action < entries[j].Action
		}
		return entries[i].Module < entries[j].Module
	})

	return entries
}

// kernelCommandCatalog exposes kernel command registrations through ServiceRegistry.
type kernelCommandCatalog struct {
	kernel *Kernel
}

// ListCommands returns all registered command entries sorted by module then action.
func (c *kernelCommandCatalog) ListCommands(ctx context.Context) ([]jarvis.CommandEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	if c == nil || c.kernel == nil {
		return nil, fmt.Errorf("list commands: nil catalog")
	}

	return c.kernel.listCommandEntries(), nil
}

var _ jarvis.CommandCatalog = (*kernelCommandCatalog)(nil)

// commandKeyFor joins a namespace and action, validating the namespace the
// same way declared module names are validated.
func commandKeyFor(namespace, action string) (string, error) {
	namespace = jarvis.NormalizeModuleName(namespace)
	if namespace == "" {
		return "", fmt.Errorf("command key: empty namespace")
	}
	if strings.ContainsAny(namespace, ". \t") {
		return "", fmt.Errorf("command key: invalid namespace %q", namespace)
	}

	return jarvis.CommandKey(namespace, action), nil
}

// commandDegraded reports whether any capability tag of a command is in the
// missing requirement set. Commands with no tags stay live in safe mode.
func commandDegraded(requires, missing []string) bool {
	if len(requires) == 0 || len(missing) == 0 {
		return false
	}
	for _, tag := range requires {
		for _, lost := range missing {
			if tag == lost {
				return true
			}
		}
	}

	return false
}

// commandUsage renders one command invocation line for help output.
func commandUsage(module string, spec jarvis.CommandSpec) string {
	usage := jarvis.CommandKey(module, spec.Action)
	if len(spec.Params) == 0 {
		return usage
	}

	parts := make([]string, 0, len(spec.Params))
	for _, param := range spec.Params {
		descriptor := paramDescriptor(param)
		if param.Required {
			parts = append(parts, descriptor)
		} else {
			parts = append(parts, "["+descriptor+"]")
		}
	}

	return usage + " " + strings.Join(parts, " ")
}

// paramDescriptor renders one parameter for usage output.
func paramDescriptor(param jarvis.ParamSpec) string {
	if param.Kind == jarvis.ParamBool {
		return fmt.Sprintf("--%s", param.Name)
	}

	kind := param.Kind
	if kind == "" {
		kind = jarvis.ParamString
	}

	return fmt.Sprintf("--%s=<%s>", param.Name, kind)
}

// cloneCommandSpec copies owned slices so caller mutation after registration
// does not affect the command table.
func cloneCommandSpec(spec jarvis.CommandSpec) jarvis.CommandSpec {
	cloned := spec
	cloned.Action = strings.TrimSpace(spec.Action)
	if len(spec.Params) > 0 {
		cloned.Params = append([]jarvis.ParamSpec(nil), spec.Params...)
	}
	if len(spec.Requires) > 0 {
		cloned.Requires = append([]string(nil), spec.Requires...)
	}

	return cloned
}

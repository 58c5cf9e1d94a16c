package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"hightd-agent/internal/sandbox"
	"hightd-agent/pkg/models"
)

// templateVars builds the substitution set for one start: SERVER_MEMORY,
// SERVER_PORT, SERVER_IP plus every environment key.
func templateVars(data models.StartData) map[string]string {
	vars := map[string]string{
		"SERVER_MEMORY": strconv.Itoa(data.Memory),
		"SERVER_PORT":   strconv.Itoa(data.PrimaryAllocation.Port),
		"SERVER_IP":     data.PrimaryAllocation.IP,
	}
	for k, v := range data.Environment {
		vars[k] = v
	}
	return vars
}

// renderVars substitutes every {{NAME}} occurrence in s.
func renderVars(s string, vars map[string]string) string {
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}

// writeConfigFiles renders and writes each config template under the
// sandbox. Files ending in .json (and JSON-shaped string values) keep their
// JSON form, re-serialized with a two-space indent; object values for any
// other file become sorted key=value lines.
func writeConfigFiles(resolver *sandbox.Resolver, serverID string, core models.Core, vars map[string]string) error {
	for name, raw := range core.ConfigSystem {
		target, err := resolver.Resolve(serverID, name)
		if err != nil {
			return fmt.Errorf("config template %s: %w", name, err)
		}

		rendered := renderVars(string(raw), vars)
		content, err := renderTemplateBody(name, rendered)
		if err != nil {
			return fmt.Errorf("config template %s: %w", name, err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("config template %s: %w", name, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("config template %s: %w", name, err)
		}
	}
	return nil
}

func renderTemplateBody(fileName, rendered string) ([]byte, error) {
	var value any
	if err := json.Unmarshal([]byte(rendered), &value); err != nil {
		// Not JSON-shaped after rendering; write the text as-is.
		return []byte(rendered), nil
	}

	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case map[string]any:
		if strings.HasSuffix(fileName, ".json") {
			return json.MarshalIndent(v, "", "  ")
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v\n", k, v[k])
		}
		return []byte(b.String()), nil
	default:
		return json.MarshalIndent(value, "", "  ")
	}
}

// renderStartupParser substitutes template variables inside the startup
// parser and re-serializes JSON-shaped parsers with a two-space indent.
func renderStartupParser(raw json.RawMessage, vars map[string]string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	rendered := renderVars(string(raw), vars)

	var value any
	if err := json.Unmarshal([]byte(rendered), &value); err != nil {
		return nil, fmt.Errorf("startup parser is not valid JSON after rendering: %w", err)
	}
	return json.MarshalIndent(value, "", "  ")
}

// composeCommand builds the container command: the install script (when
// present) runs first, then the startup command, exec'd so the application
// receives signals directly.
func composeCommand(installScript, startupCommand string, vars map[string]string) string {
	install := strings.TrimSpace(renderVars(installScript, vars))
	startup := strings.TrimSpace(renderVars(startupCommand, vars))

	if !strings.HasPrefix(startup, "exec") {
		startup = "exec " + startup
	}
	if install != "" {
		return install + "\n" + startup
	}
	return startup
}

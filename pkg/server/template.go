// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// buildVars assembles the template variable set: SERVER_MEMORY,
// SERVER_PORT and SERVER_IP plus every environment entry.
func buildVars(data *StartData) map[string]string {
	vars := map[string]string{
		"SERVER_MEMORY": strconv.FormatInt(data.Memory, 10),
		"SERVER_PORT":   strconv.Itoa(data.PrimaryAllocation.Port),
		"SERVER_IP":     data.PrimaryAllocation.IP,
	}
	for name, value := range data.Environment {
		vars[name] = value
	}
	return vars
}

// renderVars substitutes every "{{NAME}}" occurrence in s.
func renderVars(s string, vars map[string]string) string {
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}

// renderValue substitutes template variables through an arbitrary
// JSON-shaped value.
func renderValue(v interface{}, vars map[string]string) interface{} {
	switch value := v.(type) {
	case string:
		return renderVars(value, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = renderValue(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = renderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// renderCore renders the start recipe: install script, startup command and
// every value inside configSystem and startupParser.
func renderCore(core Core, vars map[string]string) Core {
	rendered := Core{
		InstallScript:  renderVars(core.InstallScript, vars),
		StartupCommand: renderVars(core.StartupCommand, vars),
		StopCommand:    core.StopCommand,
	}
	if core.ConfigSystem != nil {
		rendered.ConfigSystem = renderValue(core.ConfigSystem, vars).(map[string]interface{})
	}
	if core.StartupParser != nil {
		rendered.StartupParser = renderValue(core.StartupParser, vars)
	}
	return rendered
}

// writeConfigTemplates materializes each configSystem entry under root.
// A string template that parses as a JSON object is re-serialized with
// two-space indentation; any other string is written verbatim; an object
// form becomes "key=value" lines.
func writeConfigTemplates(root string, configSystem map[string]interface{}) error {
	for name, tmpl := range configSystem {
		target := filepath.Join(root, filepath.FromSlash(strings.TrimLeft(name, "/")))
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return errors.Wrapf(err, "create directories for template %s", name)
		}

		content, err := templateContent(tmpl)
		if err != nil {
			return errors.Wrapf(err, "render template %s", name)
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return errors.Wrapf(err, "write template %s", name)
		}
	}
	return nil
}

func templateContent(tmpl interface{}) (string, error) {
	switch value := tmpl.(type) {
	case string:
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			if _, ok := parsed.(map[string]interface{}); ok {
				out, err := json.MarshalIndent(parsed, "", "  ")
				if err != nil {
					return "", err
				}
				return string(out), nil
			}
		}
		return value, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v\n", k, value[k])
		}
		return b.String(), nil
	default:
		out, err := json.MarshalIndent(value, "", "  ")
		return string(out), err
	}
}

// composeCommand builds the container command: the install script, if any,
// runs before the startup command, and the startup command is exec'd so it
// becomes the container's foreground process.
func composeCommand(installScript, startup string) string {
	if !strings.HasPrefix(strings.TrimSpace(startup), "exec") {
		startup = "exec " + startup
	}
	if installScript != "" {
		return installScript + "\n" + startup
	}
	return startup
}

package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Runtime describes how a language tag maps onto a sandbox image and the
// command that receives the submitted code as its sole payload.
type Runtime struct {
	Image string `yaml:"image"`
	// Command is the argv prefix; the code string is appended as the final
	// argument (e.g. ["python3", "-c"] + code).
	Command []string `yaml:"command"`
}

// Runtimes is the language allow-list: a submission whose language tag has no
// entry here is rejected at validation time.
type Runtimes map[string]Runtime

// defaultRuntimes covers the interpreters the platform ships with. Deployments
// override or extend via RUNTIMES_FILE.
var defaultRuntimes = Runtimes{
	"python": {Image: "python:3.12-alpine", Command: []string{"python3", "-c"}},
	"node":   {Image: "node:22-alpine", Command: []string{"node", "-e"}},
	"bash":   {Image: "alpine:3.20", Command: []string{"/bin/sh", "-c"}},
}

// LoadRuntimes reads the runtime manifest from path, or returns the built-in
// defaults when path is empty.
func LoadRuntimes(path string) (Runtimes, error) {
	if path == "" {
		return defaultRuntimes, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRuntimes: %w", err)
	}
	var rts Runtimes
	if err := yaml.Unmarshal(b, &rts); err != nil {
		return nil, fmt.Errorf("op=config.LoadRuntimes: parse %s: %w", path, err)
	}
	for lang, rt := range rts {
		if rt.Image == "" || len(rt.Command) == 0 {
			return nil, fmt.Errorf("op=config.LoadRuntimes: runtime %q missing image or command", lang)
		}
	}
	return rts, nil
}

// Languages returns the sorted allow-list of language tags.
func (r Runtimes) Languages() []string {
	out := make([]string, 0, len(r))
	for lang := range r {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether the language tag has a runtime.
func (r Runtimes) Supported(lang string) bool {
	_, ok := r[lang]
	return ok
}

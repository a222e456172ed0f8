// Package cliconfig backs the config and doctor commands: dotted-path edits
// of the config file and a preflight report for the orchestrator.
package cliconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KafClaw/switchboard/internal/config"
)

// segment is one step of a config path: a map key, or an array index when
// index >= 0.
type segment struct {
	key   string
	index int
}

func (s segment) isIndex() bool { return s.index >= 0 }

// Get returns the effective value (defaults, file and environment merged)
// at path. Paths use dots for keys and brackets for indexes:
// "workers.static[0].endpoint".
func Get(path string) (any, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	val, ok := lookup(tree, segs)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return val, nil
}

// Set writes rawValue at path in the config file. rawValue is parsed as JSON
// and falls back to a plain string. The result must still decode into a
// Config.
func Set(path, rawValue string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	tree, cfgPath, err := readFileTree()
	if err != nil {
		return err
	}
	root, ok := assign(tree, segs, parseValue(rawValue)).(map[string]any)
	if !ok {
		return fmt.Errorf("path %s does not address an object root", path)
	}
	if err := checkDecodes(root); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return writeFileTree(cfgPath, root)
}

// Unset removes path from the config file.
func Unset(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	tree, cfgPath, err := readFileTree()
	if err != nil {
		return err
	}
	updated, removed := remove(tree, segs)
	if !removed {
		return fmt.Errorf("path not found: %s", path)
	}
	return writeFileTree(cfgPath, updated.(map[string]any))
}

func toTree(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func checkDecodes(tree map[string]any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, config.DefaultConfig())
}

func readFileTree() (map[string]any, string, error) {
	cfgPath, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return map[string]any{}, cfgPath, nil
	}
	if err != nil {
		return nil, "", err
	}
	tree := map[string]any{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", cfgPath, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, cfgPath, nil
}

func writeFileTree(cfgPath string, tree map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}

func splitPath(path string) ([]segment, error) {
	p := strings.TrimSpace(path)
	var segs []segment
	for _, part := range strings.Split(p, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, rest, _ := strings.Cut(part, "[")
		if key != "" {
			segs = append(segs, segment{key: key, index: -1})
		}
		if rest == "" && !strings.Contains(part, "[") {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("invalid path %q: unexpected %q", path, rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid path %q: missing ]", path)
			}
			raw := strings.TrimSpace(rest[1:end])
			idx, err := strconv.Atoi(raw)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in %q", raw, path)
			}
			segs = append(segs, segment{index: idx})
			rest = rest[end+1:]
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return segs, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookup(node any, segs []segment) (any, bool) {
	cur := node
	for _, s := range segs {
		if s.isIndex() {
			arr, ok := cur.([]any)
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			cur = arr[s.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[s.key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign returns node with value stored at segs, creating intermediate
// objects and padding arrays with nulls as needed.
func assign(node any, segs []segment, value any) any {
	if len(segs) == 0 {
		return value
	}
	s := segs[0]
	if s.isIndex() {
		arr, _ := node.([]any)
		for len(arr) <= s.index {
			arr = append(arr, nil)
		}
		arr[s.index] = assign(arr[s.index], segs[1:], value)
		return arr
	}
	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[s.key] = assign(obj[s.key], segs[1:], value)
	return obj
}

// remove returns node without the value at segs and whether anything was
// removed. Array elements are spliced out.
func remove(node any, segs []segment) (any, bool) {
	s := segs[0]
	last := len(segs) == 1

	if s.isIndex() {
		arr, ok := node.([]any)
		if !ok || s.index >= len(arr) {
			return node, false
		}
		if last {
			return append(arr[:s.index], arr[s.index+1:]...), true
		}
		child, ok := remove(arr[s.index], segs[1:])
		if ok {
			arr[s.index] = child
		}
		return arr, ok
	}

	obj, ok := node.(map[string]any)
	if !ok {
		return node, false
	}
	child, exists := obj[s.key]
	if !exists {
		return node, false
	}
	if last {
		delete(obj, s.key)
		return obj, true
	}
	child, ok = remove(child, segs[1:])
	if ok {
		obj[s.key] = child
	}
	return obj, ok
}

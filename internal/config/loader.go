package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// namedLists are list sections whose entries carry a name. Entries from an
// including file replace included entries of the same name instead of
// replacing the whole list.
var namedLists = map[string]bool{
	"plugins.tools": true,
	"mcp_servers":   true,
}

// LoadRaw reads a configuration file into a merged raw map. $include
// directives are resolved relative to the including file and ${VAR}
// references are expanded before parsing.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadFile(path, nil)
}

// loadFile loads one file. chain holds the files currently being included
// and is used to report cycles.
func loadFile(path string, chain []string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for i, p := range chain {
		if p == absPath {
			cycle := append(append([]string(nil), chain[i:]...), absPath)
			for j := range cycle {
				cycle[j] = filepath.Base(cycle[j])
			}
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	chain = append(chain, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		if len(chain) > 1 {
			return nil, fmt.Errorf("%s: include %s: %w", filepath.Base(chain[len(chain)-2]), filepath.Base(absPath), err)
		}
		return nil, err
	}
	raw, err := parseRaw([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		incRaw, err := loadFile(inc, chain)
		if err != nil {
			return nil, err
		}
		merged = mergeSection("", merged, incRaw)
	}
	return mergeSection("", merged, raw), nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv substitutes ${VAR} references. ${VAR:-fallback} yields fallback
// when VAR is unset or empty. Bare $ is left alone so keys like $include
// survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && (v != "" || m[2] == "") {
			return v
		}
		return m[3]
	})
}

// parseRaw decodes JSON/JSON5 by extension and YAML otherwise.
func parseRaw(data []byte, path string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json5: %w", err)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse yaml: expected a single document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

// mergeSection merges src over dst. Maps merge recursively, named lists
// merge by entry name and any other value in src replaces dst.
func mergeSection(path string, dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}
		switch typed := value.(type) {
		case map[string]any:
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeSection(keyPath, existing, typed)
				continue
			}
		case []any:
			if existing, ok := dst[key].([]any); ok && namedLists[keyPath] {
				dst[key] = mergeNamed(existing, typed)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// mergeNamed appends src entries to dst, replacing dst entries whose name
// matches. Unnamed entries are appended.
func mergeNamed(dst, src []any) []any {
	out := append([]any(nil), dst...)
	index := make(map[string]int, len(out))
	for i, entry := range out {
		if name := entryName(entry); name != "" {
			index[name] = i
		}
	}
	for _, entry := range src {
		name := entryName(entry)
		if i, ok := index[name]; ok && name != "" {
			out[i] = entry
			continue
		}
		if name != "" {
			index[name] = len(out)
		}
		out = append(out, entry)
	}
	return out
}

func entryName(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return name
}

// sections lists the top-level keys Config accepts.
func sections() []string {
	t := reflect.TypeOf(Config{})
	out := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag != "" && tag != "-" {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	known := sections()
	for key := range raw {
		i := sort.SearchStrings(known, key)
		if i == len(known) || known[i] != key {
			return nil, fmt.Errorf("unknown config section %q (known sections: %s)", key, strings.Join(known, ", "))
		}
	}

	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

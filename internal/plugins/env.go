package plugins

import (
	"os"
	"sort"
	"strings"
)

// baseInheritEnv lists the parent variables every child process receives.
// Anything else, provider credentials included, must be passed explicitly
// through Env or named in InheritEnv.
var baseInheritEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "TZ"}

// childEnv builds a child environment from the base allowlist, the extra
// parent variables named in inherit and the explicit entries in env.
// Explicit entries win over inherited ones.
func childEnv(inherit []string, env []string) []string {
	vars := make(map[string]string, len(baseInheritEnv)+len(inherit)+len(env))
	for _, name := range append(append([]string(nil), baseInheritEnv...), inherit...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

package sandbox

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"modhost/internal/manifest"
)

// requireFunc builds the sandbox's require implementation. Only the
// whitelisted utility modules resolve; everything else throws. The
// whitelist is the same constant the static scanner enforces, so the
// scanner and the runtime cannot disagree on policy.
func requireFunc() func(name string) (any, error) {
	return func(name string) (any, error) {
		if !manifest.ModuleWhitelist[name] {
			return nil, fmt.Errorf("module %q is not available inside the sandbox", name)
		}
		mod, ok := builtinModules[name]
		if !ok {
			return nil, fmt.Errorf("module %q is whitelisted but not provided by this runner", name)
		}
		return mod, nil
	}
}

// builtinModules are the host-provided utility surfaces reachable via
// require. They are pure functions over their arguments; none touch
// the filesystem, process, or network.
var builtinModules = map[string]map[string]any{
	"math": {
		"clamp": func(v, lo, hi float64) float64 {
			return math.Max(lo, math.Min(hi, v))
		},
		"lerp": func(a, b, t float64) float64 { return a + (b-a)*t },
		"round": func(v float64, places int) float64 {
			scale := math.Pow(10, float64(places))
			return math.Round(v*scale) / scale
		},
	},
	"strings": {
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"trim":       strings.TrimSpace,
		"split":      strings.Split,
		"join":       strings.Join,
		"contains":   strings.Contains,
		"startsWith": strings.HasPrefix,
		"endsWith":   strings.HasSuffix,
	},
	"json": {
		"parse": func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"stringify": func(v any) (string, error) {
			raw, err := json.Marshal(v)
			return string(raw), err
		},
	},
	"datetime": {
		"now": func() int64 { return time.Now().UnixMilli() },
		"iso": func(ms int64) string {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339)
		},
		"parse": func(s string) (int64, error) {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return 0, err
			}
			return t.UnixMilli(), nil
		},
	},
	"encoding": {
		"base64Encode": func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		},
		"base64Decode": func(s string) (string, error) {
			raw, err := base64.StdEncoding.DecodeString(s)
			return string(raw), err
		},
		"hexEncode": func(s string) string { return hex.EncodeToString([]byte(s)) },
		"hexDecode": func(s string) (string, error) {
			raw, err := hex.DecodeString(s)
			return string(raw), err
		},
	},
}

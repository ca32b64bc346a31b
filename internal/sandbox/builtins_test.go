package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modhost/internal/manifest"
)

func TestRequireResolvesWhitelistOnly(t *testing.T) {
	req := requireFunc()

	for name := range manifest.ModuleWhitelist {
		mod, err := req(name)
		require.NoError(t, err, "module %s", name)
		assert.NotNil(t, mod)
	}

	for _, name := range []string{"fs", "http", "child_process", "leftpad", ""} {
		_, err := req(name)
		assert.Error(t, err, "module %s must not resolve", name)
	}
}

func TestWhitelistAndBuiltinsAgree(t *testing.T) {
	// Every whitelisted module must actually exist, or mods that pass
	// validation would fail at load time.
	for name := range manifest.ModuleWhitelist {
		_, ok := builtinModules[name]
		assert.True(t, ok, "whitelisted module %s has no implementation", name)
	}
	for name := range builtinModules {
		assert.True(t, manifest.ModuleWhitelist[name],
			"builtin %s is not whitelisted and thus unreachable", name)
	}
}

func TestMathBuiltins(t *testing.T) {
	m := builtinModules["math"]

	clamp := m["clamp"].(func(v, lo, hi float64) float64)
	assert.Equal(t, 5.0, clamp(99, 0, 5))
	assert.Equal(t, 0.0, clamp(-1, 0, 5))
	assert.Equal(t, 3.0, clamp(3, 0, 5))

	lerp := m["lerp"].(func(a, b, t float64) float64)
	assert.Equal(t, 7.5, lerp(5, 10, 0.5))

	round := m["round"].(func(v float64, places int) float64)
	assert.Equal(t, 3.14, round(3.14159, 2))
}

func TestEncodingBuiltinsRoundTrip(t *testing.T) {
	e := builtinModules["encoding"]

	b64enc := e["base64Encode"].(func(string) string)
	b64dec := e["base64Decode"].(func(string) (string, error))
	got, err := b64dec(b64enc("signal"))
	require.NoError(t, err)
	assert.Equal(t, "signal", got)

	hexenc := e["hexEncode"].(func(string) string)
	hexdec := e["hexDecode"].(func(string) (string, error))
	got, err = hexdec(hexenc("signal"))
	require.NoError(t, err)
	assert.Equal(t, "signal", got)
}

func TestDatetimeBuiltins(t *testing.T) {
	d := builtinModules["datetime"]

	iso := d["iso"].(func(int64) string)
	parse := d["parse"].(func(string) (int64, error))

	ms, err := parse(iso(1700000000000))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ms)

	_, err = parse("not a timestamp")
	assert.Error(t, err)
}

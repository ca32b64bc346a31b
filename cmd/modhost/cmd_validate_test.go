package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"modhost/internal/config"
	"modhost/internal/manifest"
)

func writeValidPackage(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	m := &manifest.Manifest{
		Name:       "counter-mod",
		Version:    "1.0.0",
		Main:       "index.js",
		APIVersion: "1.0",
		NodeTypes:  []manifest.NodeType{{ID: "counter"}},
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.ManifestFile), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(source), 0644); err != nil {
		t.Fatalf("write entry point: %v", err)
	}
	return dir
}

func TestValidateCommandPrintsWarningsForUnsignedPackage(t *testing.T) {
	cfg = config.DefaultConfig()
	logger = zap.NewNop()
	dir := writeValidPackage(t, `function run(call, api) { return {}; }`)

	output := captureOutput(t, func() {
		if err := runValidate(validateCmd, []string{dir}); err != nil {
			t.Fatalf("runValidate returned error: %v", err)
		}
	})

	if !strings.Contains(output, "warning: manifest declares no checksum") {
		t.Fatalf("expected checksum warning, got: %s", output)
	}
	if !strings.Contains(output, "warning: package is unsigned") {
		t.Fatalf("expected signature warning, got: %s", output)
	}
	if !strings.Contains(output, "ok counter-mod@1.0.0") {
		t.Fatalf("expected ok line, got: %s", output)
	}
}

func TestValidateCommandRejectsDangerousPackage(t *testing.T) {
	cfg = config.DefaultConfig()
	logger = zap.NewNop()
	dir := writeValidPackage(t, `function run(call, api) { return { v: eval(call.inputs.code) }; }`)

	var err error
	output := captureOutput(t, func() {
		err = runValidate(validateCmd, []string{dir})
	})

	if err == nil {
		t.Fatal("expected validation failure for eval()")
	}
	if !strings.Contains(output, "error DANGEROUS_CODE") {
		t.Fatalf("expected DANGEROUS_CODE error line, got: %s", output)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}

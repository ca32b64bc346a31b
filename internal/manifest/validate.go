package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Validation error codes.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidJSON       = "INVALID_JSON"
	CodeMissingField      = "MISSING_FIELD"
	CodeInvalidName       = "INVALID_NAME"
	CodeInvalidVersion    = "INVALID_VERSION"
	CodeInvalidPermission = "INVALID_PERMISSION"
	CodeDangerousCode     = "DANGEROUS_CODE"
	CodeChecksumMismatch  = "CHECKSUM_MISMATCH"
	CodeBadSignature      = "BAD_SIGNATURE"
	CodeIncompatibleHost  = "INCOMPATIBLE_HOST"
)

var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidationError is one coded finding against a package.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the full validator output for one package.
type Result struct {
	Valid    bool              `json:"valid"`
	Manifest *Manifest         `json:"manifest,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Scan     *ScanResult       `json:"scan,omitempty"`
}

func (r *Result) addError(code, message, path string) {
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: message, Path: path})
}

// FirstError returns the first validation error, or nil.
func (r *Result) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Options tunes a validation run.
type Options struct {
	// SkipIntegrity disables checksum and signature verification, for
	// test and development flows.
	SkipIntegrity bool

	// HostVersion is the running host's semver, checked against the
	// manifest's compatibility bounds when non-empty.
	HostVersion string

	// Keyring resolves signature key ids to public keys. Nil means
	// signatures are accepted as undeclared (a warning) but a declared
	// signature with no resolvable key fails.
	Keyring *Keyring
}

// ValidateMod validates the mod package rooted at dir: manifest schema,
// entry-point security scan, deterministic content hash, and optional
// integrity verification. The returned Result is never nil.
func ValidateMod(dir string, opts Options) *Result {
	res := &Result{}

	manifestPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			res.addError(CodeNotFound, "manifest.json not found at package root", manifestPath)
		} else {
			res.addError(CodeNotFound, fmt.Sprintf("manifest.json unreadable: %v", err), manifestPath)
		}
		return res
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		res.addError(CodeInvalidJSON, fmt.Sprintf("manifest.json is not valid JSON: %v", err), manifestPath)
		return res
	}
	res.Manifest = &m

	validateFields(&m, res)
	validateCompatibility(&m, opts.HostVersion, res)

	// Field failures make the rest unreliable (no entry point to scan,
	// no file set to hash).
	if len(res.Errors) > 0 {
		res.Valid = false
		return res
	}

	entryPath := filepath.Join(dir, filepath.FromSlash(m.Main))
	source, err := os.ReadFile(entryPath)
	if err != nil {
		res.addError(CodeNotFound, fmt.Sprintf("entry point %s unreadable: %v", m.Main, err), entryPath)
		res.Valid = false
		return res
	}

	scan := ScanSource(m.Main, source)
	res.Scan = scan
	for _, issue := range scan.Issues {
		if issue.Severity == SeverityCritical {
			res.Errors = append(res.Errors, ValidationError{
				Code:    CodeDangerousCode,
				Message: issue.Message,
				Path:    m.Main,
				Line:    issue.Line,
			})
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s:%d: %s", m.Main, issue.Line, issue.Message))
		}
	}

	hash, err := CalculateHash(dir, &m)
	if err != nil {
		res.addError(CodeNotFound, fmt.Sprintf("hashing declared files: %v", err), dir)
		res.Valid = false
		return res
	}
	res.Hash = hash

	if !opts.SkipIntegrity {
		verifyIntegrity(&m, hash, opts.Keyring, res)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func validateFields(m *Manifest, res *Result) {
	required := []struct {
		name  string
		value string
	}{
		{"name", m.Name},
		{"version", m.Version},
		{"main", m.Main},
		{"api_version", m.APIVersion},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			res.addError(CodeMissingField, fmt.Sprintf("required field %q is missing", f.name), "")
		}
	}

	if m.Name != "" && !namePattern.MatchString(m.Name) {
		res.addError(CodeInvalidName,
			fmt.Sprintf("name %q must match ^[a-z0-9-]+$", m.Name), "")
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			res.addError(CodeInvalidVersion,
				fmt.Sprintf("version %q is not valid semver: %v", m.Version, err), "")
		}
	}

	for _, p := range m.Permissions {
		if !p.Valid() {
			res.addError(CodeInvalidPermission,
				fmt.Sprintf("unknown permission %q", p), "")
		}
	}

	seen := make(map[string]bool, len(m.NodeTypes))
	for _, nt := range m.NodeTypes {
		if nt.ID == "" {
			res.addError(CodeMissingField, "node type with empty id", "")
			continue
		}
		if seen[nt.ID] {
			res.addError(CodeMissingField,
				fmt.Sprintf("duplicate node type id %q", nt.ID), "")
		}
		seen[nt.ID] = true
	}

	if m.Main != "" && (strings.HasPrefix(m.Main, "/") || strings.Contains(m.Main, "..")) {
		res.addError(CodeInvalidName,
			fmt.Sprintf("entry point %q must be a relative path inside the package", m.Main), "")
	}
}

func validateCompatibility(m *Manifest, hostVersion string, res *Result) {
	if hostVersion == "" {
		return
	}
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("host version %q is not semver; skipping compatibility check", hostVersion))
		return
	}

	if m.MinHostVersion != "" {
		if min, err := semver.NewVersion(m.MinHostVersion); err == nil && host.LessThan(min) {
			res.addError(CodeIncompatibleHost,
				fmt.Sprintf("host %s is older than required minimum %s", host, min), "")
		}
	}
	if m.MaxHostVersion != "" {
		if max, err := semver.NewVersion(m.MaxHostVersion); err == nil && host.GreaterThan(max) {
			res.addError(CodeIncompatibleHost,
				fmt.Sprintf("host %s is newer than supported maximum %s", host, max), "")
		}
	}
}

func verifyIntegrity(m *Manifest, computedHash string, keyring *Keyring, res *Result) {
	if m.Checksum == "" {
		res.Warnings = append(res.Warnings, "manifest declares no checksum")
	} else if m.Checksum != computedHash {
		res.addError(CodeChecksumMismatch,
			fmt.Sprintf("declared checksum %s does not match computed %s", m.Checksum, computedHash), "")
	}

	if m.Signature == "" {
		res.Warnings = append(res.Warnings, "package is unsigned")
		return
	}
	if keyring == nil {
		res.addError(CodeBadSignature,
			fmt.Sprintf("signature present but no keyring configured (key id %q)", m.SignatureKeyID), "")
		return
	}
	if err := keyring.Verify(m.SignatureKeyID, []byte(computedHash), m.Signature); err != nil {
		res.addError(CodeBadSignature, err.Error(), "")
	}
}

package manifest

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Severity ranks a scan finding. Critical findings make the mod
// unusable; warnings are surfaced to the publisher but do not block.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ScanIssue is one finding from the static security scan.
type ScanIssue struct {
	Severity  Severity `json:"severity"`
	Construct string   `json:"construct"`
	Message   string   `json:"message"`
	Line      int      `json:"line"`
}

// ScanResult is the outcome of scanning one source file.
type ScanResult struct {
	Dangerous bool        `json:"dangerous"`
	Issues    []ScanIssue `json:"issues,omitempty"`
}

func (r *ScanResult) add(sev Severity, construct, message string, line int) {
	if sev == SeverityCritical {
		r.Dangerous = true
	}
	r.Issues = append(r.Issues, ScanIssue{
		Severity:  sev,
		Construct: construct,
		Message:   message,
		Line:      line,
	})
}

// ScanSource statically scans mod entry-point source for a denylist of
// dangerous constructs: dynamic code evaluation, process termination,
// and imports of non-whitelisted modules. The scan is defense in
// depth; the runner's module engine is the actual isolation boundary.
func ScanSource(path string, source []byte) *ScanResult {
	res := &ScanResult{}

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		res.add(SeverityCritical, "parse",
			fmt.Sprintf("entry point %s could not be parsed: %v", path, err), 0)
		return res
	}
	defer tree.Close()

	walkScan(tree.RootNode(), source, res)
	return res
}

func walkScan(node *sitter.Node, source []byte, res *ScanResult) {
	getText := func(n *sitter.Node) string {
		return string(source[n.StartByte():n.EndByte()])
	}
	line := func(n *sitter.Node) int {
		return int(n.StartPoint().Row) + 1
	}

	switch node.Type() {
	case "call_expression":
		fn := node.ChildByFieldName("function")
		if fn == nil {
			break
		}
		switch fn.Type() {
		case "identifier":
			switch getText(fn) {
			case "eval":
				res.add(SeverityCritical, "eval",
					"dynamic code evaluation via eval() is not allowed", line(node))
			case "Function":
				res.add(SeverityCritical, "function-constructor",
					"dynamic code evaluation via Function() is not allowed", line(node))
			case "require":
				checkModuleRef(node.ChildByFieldName("arguments"), source, res)
			}
		case "member_expression":
			checkMemberCall(fn, getText, line, res)
		}
	case "new_expression":
		ctor := node.ChildByFieldName("constructor")
		if ctor != nil && ctor.Type() == "identifier" && getText(ctor) == "Function" {
			res.add(SeverityCritical, "function-constructor",
				"dynamic code evaluation via new Function() is not allowed", line(node))
		}
	case "import_statement":
		checkModuleRef(node.ChildByFieldName("source"), source, res)
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		walkScan(node.NamedChild(i), source, res)
	}
}

func checkMemberCall(member *sitter.Node, getText func(*sitter.Node) string, line func(*sitter.Node) int, res *ScanResult) {
	obj := member.ChildByFieldName("object")
	prop := member.ChildByFieldName("property")
	if obj == nil || prop == nil || obj.Type() != "identifier" || getText(obj) != "process" {
		return
	}
	switch getText(prop) {
	case "exit", "kill", "abort":
		res.add(SeverityCritical, "process-termination",
			fmt.Sprintf("process.%s() terminates the runner and is not allowed", getText(prop)), line(member))
	default:
		res.add(SeverityWarning, "process-access",
			fmt.Sprintf("process.%s is unavailable inside the sandbox", getText(prop)), line(member))
	}
}

// checkModuleRef validates the module name of a require() argument
// list or an import statement source against the whitelist.
func checkModuleRef(node *sitter.Node, source []byte, res *ScanResult) {
	if node == nil {
		return
	}

	str := node
	if node.Type() == "arguments" {
		if node.NamedChildCount() == 0 {
			// require(expr) with a non-literal argument defeats static
			// review entirely.
			res.add(SeverityCritical, "dynamic-import",
				"require with a non-literal module name is not allowed", int(node.StartPoint().Row)+1)
			return
		}
		str = node.NamedChild(0)
	}

	if str.Type() != "string" {
		res.add(SeverityCritical, "dynamic-import",
			"module names must be string literals", int(str.StartPoint().Row)+1)
		return
	}

	name := strings.Trim(string(source[str.StartByte():str.EndByte()]), "\"'`")
	line := int(str.StartPoint().Row) + 1

	if ModuleWhitelist[name] {
		return
	}
	if CriticalModules[name] {
		res.add(SeverityCritical, "forbidden-module",
			fmt.Sprintf("module %q grants process, filesystem, or network access and is forbidden", name), line)
		return
	}
	res.add(SeverityCritical, "non-whitelisted-module",
		fmt.Sprintf("module %q is not on the whitelist", name), line)
}

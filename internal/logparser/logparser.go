// Package logparser extracts structured error records from raw CI run
// logs. Parse is pure, stateless, and deterministic: it performs no I/O
// and never blocks.
package logparser

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorType classifies an ErrorBlock by the pattern that matched it.
type ErrorType string

const (
	LintError        ErrorType = "lint_error"
	TypeError        ErrorType = "type_error"
	BuildFailure     ErrorType = "build_failure"
	TestFailure      ErrorType = "test_failure"
	DependencyError  ErrorType = "dependency_error"
	ConfigError      ErrorType = "config_error"
	UnknownError     ErrorType = "unknown"
)

// Severity is a coarse ranking used to prioritize which blocks the
// orchestrator acts on first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrorBlock is one extracted failure record.
type ErrorBlock struct {
	Step      string
	File      string
	Line      *int
	ErrorType ErrorType
	Message   string
	Severity  Severity
}

var (
	ansiPattern      = regexp.MustCompile("\x1b\\[[0-9;]*m")
	timestampPattern = regexp.MustCompile(`^\s*\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\s*`)

	// path:line:col message, the shape emitted by most compilers and
	// linters (gcc, tsc, eslint, golangci-lint, rustc, clang).
	compilerPattern = regexp.MustCompile(`^([^\s:][^:]*\.\w+):(\d+)(?::(\d+))?:?\s*(error|warning)?:?\s*(.*)$`)

	moduleNotFoundPattern = regexp.MustCompile(`(?i)(module|package|cannot find module|no module named)\s+['"]?([^'"\s]+)['"]?\s+(not found|is not available)`)
	typeAssignPattern     = regexp.MustCompile(`(?i)type\s+['"]?.+['"]?\s+is not assignable`)
	assertionPattern      = regexp.MustCompile(`(?i)^\s*(AssertionError|expect\(|FAIL\b|FAILED\b|--- FAIL)`)
	configErrorPattern    = regexp.MustCompile(`(?i)(invalid config|configuration error|missing required (config|env|environment) variable|yaml:.*error)`)

	// stackLangExt lists the source extensions a stack-trace frame is
	// expected to name; shared by the Python and Java/Node frame
	// patterns below.
	stackLangExt = `py|js|ts|jsx|tsx|java|go|rb|php`

	tracebackHeaderPattern = regexp.MustCompile(`^Traceback \(most recent call last\):\s*$`)
	// Python: `File "path/to/mod.py", line 42, in some_func`
	pythonFramePattern = regexp.MustCompile(`^\s*File "([^"]+\.(?:` + stackLangExt + `))", line (\d+)`)
	// Java/Node: `at Class.method(File.java:42)` or
	// `at Object.<anonymous> (/app/index.js:10:5)`
	stackFramePattern = regexp.MustCompile(`^\s*at\s+(?:[^\s(]+\s*\(?)?([\w\-./]+\.(?:` + stackLangExt + `)):(\d+)(?::\d+)?\)?\s*$`)
)

// Parse transforms a raw log blob into an ordered sequence of
// ErrorBlocks. Output is deterministic given identical input.
func Parse(log []byte) []ErrorBlock {
	lines := splitLines(string(log))

	type pending struct {
		block   ErrorBlock
		lastKey string
	}

	var blocks []ErrorBlock
	lastKey := "" // "(file, line)" key of the previous signal line

	for _, raw := range lines {
		line := stripANSI(raw)
		line = timestampPattern.ReplaceAllString(line, "")
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		file, lineNo, msg, etype := classify(line)
		if file == "" && etype == UnknownError && !looksLikeFailureSignal(line) {
			continue
		}

		key := file + "|" + lineNoKey(lineNo)
		if file != "" && key == lastKey {
			continue // contiguous same (file,line): keep first full message
		}
		lastKey = key

		var lp *int
		if lineNo >= 0 {
			n := lineNo
			lp = &n
		}

		block := ErrorBlock{
			File:      file,
			Line:      lp,
			ErrorType: etype,
			Message:   msg,
			Severity:  severityFor(etype),
		}
		blocks = append(blocks, block)
	}

	return blocks
}

func lineNoKey(n int) string {
	if n < 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func looksLikeFailureSignal(line string) bool {
	return assertionPattern.MatchString(line) ||
		moduleNotFoundPattern.MatchString(line) ||
		typeAssignPattern.MatchString(line) ||
		configErrorPattern.MatchString(line) ||
		tracebackHeaderPattern.MatchString(line)
}

// classify returns (file, line, message, errorType) for a single
// (already-cleaned) log line, or ("", -1, "", UnknownError) if the line
// carries no recognizable signal.
func classify(line string) (string, int, string, ErrorType) {
	if m := pythonFramePattern.FindStringSubmatch(line); m != nil {
		lineNo, _ := strconv.Atoi(m[2])
		return m[1], lineNo, strings.TrimSpace(line), TestFailure
	}
	if m := stackFramePattern.FindStringSubmatch(line); m != nil {
		lineNo, _ := strconv.Atoi(m[2])
		return m[1], lineNo, strings.TrimSpace(line), TestFailure
	}
	if tracebackHeaderPattern.MatchString(line) {
		return "", -1, strings.TrimSpace(line), TestFailure
	}

	if m := compilerPattern.FindStringSubmatch(line); m != nil {
		file := m[1]
		lineNo, _ := strconv.Atoi(m[2])
		kw := strings.ToLower(m[4])
		msg := strings.TrimSpace(m[5])
		if msg == "" {
			msg = line
		}
		etype := TypeError
		switch {
		case kw == "warning":
			etype = LintError
		case typeAssignPattern.MatchString(msg):
			etype = TypeError
		case strings.Contains(strings.ToLower(file), "lint"):
			etype = LintError
		default:
			etype = BuildFailure
		}
		return file, lineNo, msg, etype
	}

	if moduleNotFoundPattern.MatchString(line) {
		return "", -1, strings.TrimSpace(line), DependencyError
	}
	if typeAssignPattern.MatchString(line) {
		return "", -1, strings.TrimSpace(line), TypeError
	}
	if configErrorPattern.MatchString(line) {
		return "", -1, strings.TrimSpace(line), ConfigError
	}
	if assertionPattern.MatchString(line) {
		return "", -1, strings.TrimSpace(line), TestFailure
	}

	return "", -1, "", UnknownError
}

func severityFor(t ErrorType) Severity {
	switch t {
	case BuildFailure, DependencyError, ConfigError:
		return SeverityHigh
	case TypeError, TestFailure:
		return SeverityMedium
	case LintError:
		return SeverityLow
	default:
		return SeverityLow
	}
}

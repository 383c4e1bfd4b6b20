package logparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCompilerError(t *testing.T) {
	log := []byte("src/main.go:42:10: error: undefined: fmt.Printlnn\n")
	blocks := Parse(log)
	require.Len(t, blocks, 1)
	require.Equal(t, "src/main.go", blocks[0].File)
	require.NotNil(t, blocks[0].Line)
	require.Equal(t, 42, *blocks[0].Line)
	require.Equal(t, BuildFailure, blocks[0].ErrorType)
}

func TestParseStripsANSIAndTimestamps(t *testing.T) {
	log := []byte("2026-01-02T15:04:05.123Z \x1b[31msrc/app.ts:10:3: error: Type 'string' is not assignable\x1b[0m\n")
	blocks := Parse(log)
	require.Len(t, blocks, 1)
	require.Equal(t, "src/app.ts", blocks[0].File)
}

func TestParseGroupsContiguousSameFileLine(t *testing.T) {
	log := []byte("a.go:5:1: error: first message\na.go:5:1: error: duplicate noise\n")
	blocks := Parse(log)
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0].Message, "first message")
}

func TestParseModuleNotFound(t *testing.T) {
	log := []byte("Error: Cannot find module 'left-pad' not found\n")
	blocks := Parse(log)
	require.Len(t, blocks, 1)
	require.Equal(t, DependencyError, blocks[0].ErrorType)
	require.Nil(t, blocks[0].Line)
}

func TestParseIgnoresBlankAndNoise(t *testing.T) {
	log := []byte("\n   \nRunning tests...\nAll good.\n")
	blocks := Parse(log)
	require.Empty(t, blocks)
}

func TestParseIsDeterministic(t *testing.T) {
	log := []byte("x.go:1:1: error: a\ny.go:2:2: error: b\n")
	first := Parse(log)
	second := Parse(log)
	require.Equal(t, first, second)
}

func TestParsePythonTraceback(t *testing.T) {
	log := []byte(strings.Join([]string{
		"Running pytest...",
		"Traceback (most recent call last):",
		`  File "app/services/remediator.py", line 42, in run`,
		"    result = step()",
		"ZeroDivisionError: division by zero",
		"",
	}, "\n"))
	blocks := Parse(log)

	var frame *ErrorBlock
	for i := range blocks {
		if blocks[i].File == "app/services/remediator.py" {
			frame = &blocks[i]
		}
	}
	require.NotNil(t, frame, "expected a block naming the traceback's file frame")
	require.NotNil(t, frame.Line)
	require.Equal(t, 42, *frame.Line)
	require.Equal(t, TestFailure, frame.ErrorType)
}

func TestParseJavaStackFrame(t *testing.T) {
	log := []byte("Exception in thread \"main\" java.lang.NullPointerException\n\tat com.example.Foo.bar(Foo.java:42)\n")
	blocks := Parse(log)

	var frame *ErrorBlock
	for i := range blocks {
		if blocks[i].File == "Foo.java" {
			frame = &blocks[i]
		}
	}
	require.NotNil(t, frame, "expected a block naming the Java stack frame's file")
	require.NotNil(t, frame.Line)
	require.Equal(t, 42, *frame.Line)
}

func TestParseNodeStackFrame(t *testing.T) {
	log := []byte("TypeError: Cannot read properties of undefined\n    at Object.<anonymous> (/app/index.js:10:5)\n")
	blocks := Parse(log)

	var frame *ErrorBlock
	for i := range blocks {
		if blocks[i].File == "/app/index.js" {
			frame = &blocks[i]
		}
	}
	require.NotNil(t, frame, "expected a block naming the node stack frame's file")
	require.NotNil(t, frame.Line)
	require.Equal(t, 10, *frame.Line)
}

func TestParseEmptyLogYieldsEmptySequence(t *testing.T) {
	blocks := Parse([]byte(""))
	require.Empty(t, blocks)
}

func TestParseCRLFAndBareLFMix(t *testing.T) {
	log := []byte("a.go:1:1: error: crlf line\r\nb.go:2:2: error: bare lf line\n")
	blocks := Parse(log)
	require.Len(t, blocks, 2)
	require.Equal(t, "a.go", blocks[0].File)
	require.Equal(t, "b.go", blocks[1].File)
}

func TestParseMultipleErrorBlocksSameLineNumberDifferentFiles(t *testing.T) {
	log := []byte("a.go:7:1: error: first\nb.go:7:1: error: second\n")
	blocks := Parse(log)
	require.Len(t, blocks, 2, "same line number in different files must not collapse into one block")
	require.Equal(t, "a.go", blocks[0].File)
	require.Equal(t, "b.go", blocks[1].File)
}

package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

func TestParseFile_Playwright(t *testing.T) {
	cases, format, err := ParseFile(filepath.Join("testdata", "playwright.json"))
	require.NoError(t, err)
	require.Equal(t, FormatPlaywright, format)
	require.Len(t, cases, 4)

	pass := cases[0]
	assert.Equal(t, "login.spec.ts", pass.File)
	assert.Equal(t, "login.spec.ts > logs in", pass.FullName)
	assert.Equal(t, "passed", pass.Status)
	require.NotNil(t, pass.DurationMs)
	assert.Equal(t, int64(1200), *pass.DurationMs)
	assert.Equal(t, []string{"hello", "plain"}, pass.Stdout)

	fail := cases[1]
	assert.Equal(t, "failed", fail.Status)
	assert.Equal(t, "Error: expect(locator).toBeVisible() failed", fail.Message)
	assert.Equal(t, []string{"waiting for getByRole('button', { name: 'Sign in' })", "retrying"}, fail.Steps)
	assert.Equal(t, int64(35), *fail.DurationMs, "last retry wins")
	require.Len(t, fail.Attachments, 1)
	assert.Equal(t, "image/png", fail.Attachments[0].ContentType)

	assert.Equal(t, "login.spec.ts > nested > is flaky", cases[2].FullName)
	assert.Equal(t, "passed", cases[2].Status)
	assert.Equal(t, "skipped", cases[3].Status)
	assert.Nil(t, cases[3].DurationMs)
}

func TestParseFile_Jest(t *testing.T) {
	cases, format, err := ParseFile(filepath.Join("testdata", "jest.json"))
	require.NoError(t, err)
	require.Equal(t, FormatJest, format)
	require.Len(t, cases, 3)

	assert.Equal(t, "C:/repo/sum.test.js", cases[0].File)
	assert.Equal(t, "passed", cases[0].Status)
	assert.Equal(t, "failed", cases[1].Status)
	assert.Equal(t, "Expected 3\nat line 2", cases[1].Message)
	assert.Nil(t, cases[1].DurationMs)
	assert.Equal(t, "todo", cases[2].FullName)
	assert.Equal(t, "skipped", cases[2].Status)
}

func TestParseFile_Vitest(t *testing.T) {
	cases, format, err := ParseFile(filepath.Join("testdata", "vitest.json"))
	require.NoError(t, err)
	require.Equal(t, FormatVitest, format)
	require.Len(t, cases, 3)

	assert.Equal(t, "math adds", cases[0].FullName)
	assert.Equal(t, "math.test.ts", cases[0].File)
	assert.Equal(t, "failed", cases[1].Status)
	assert.Equal(t, "nope", cases[1].Message)
	assert.Equal(t, "error", cases[2].Status)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   "},
		{"truncated object", `{"suites": [{"title": "a"`},
		{"truncated array", `[{"type": "suite"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cases, _, err := Parse([]byte(tt.data))
			require.Error(t, err)
			require.Nil(t, cases)
		})
	}
}

func TestParse_UnknownFormat(t *testing.T) {
	_, _, err := Parse([]byte(`{"hello": "world"}`))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseFile_Missing(t *testing.T) {
	_, _, err := ParseFile(filepath.Join(t.TempDir(), "report.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOutcomes(t *testing.T) {
	d := int64(5)
	out := Outcomes([]Case{
		{File: "a.spec.ts", FullName: "a", Status: "passed", DurationMs: &d},
		{File: "a.spec.ts", FullName: "b", Status: "timedOut"},
		{File: "a.spec.ts", FullName: "c", Status: "error"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, domain.ResultPassed, out[0].Status)
	assert.Equal(t, domain.ResultError, out[1].Status)
	assert.Equal(t, domain.ResultFailed, out[2].Status)
	assert.Equal(t, "a.spec.ts#a", out[0].Key())
}

func TestSplitCallLog(t *testing.T) {
	msg, steps := SplitCallLog("boom")
	assert.Equal(t, "boom", msg)
	assert.Nil(t, steps)

	msg, steps = SplitCallLog("Timeout\nCall log:\n  - one\n\n  - two")
	assert.Equal(t, "Timeout", msg)
	assert.Equal(t, []string{"one", "two"}, steps)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "red text", StripANSI("\x1b[31mred\x1b[0m text\r\n"))
}

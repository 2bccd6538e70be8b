package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/testmind-dev/tmrun/internal/report"
)

// MissingLocatorsFile is written to the run log directory.
const MissingLocatorsFile = "missing-locators.json"

// MissingLocator is a remediation hint for a failed case whose selector
// did not match.
type MissingLocator struct {
	PagePath    string   `json:"pagePath"`
	Bucket      string   `json:"bucket"`
	Name        string   `json:"name"`
	StepText    string   `json:"stepText"`
	Suggestions []string `json:"suggestions"`
}

const globalNavPage = "__global_nav__"

var (
	locatorWaitSignal = regexp.MustCompile(`(?i)toBeVisible|element\(s\) not found|waiting for |locator\.waitFor`)
	locatorCall       = regexp.MustCompile(`(?i)getByText|getByRole|getByLabel|getByPlaceholder|getByTestId|locator\(`)
	locatorLine       = regexp.MustCompile(`(?im)Locator:\s*(.+)$`)
	waitingFor        = regexp.MustCompile(`(?i)waiting for\s+(.+)$`)
	locatorExpr       = regexp.MustCompile(`(?i)(getByText\([^)]+\)|getByRole\([^)]+\)|getByLabel\([^)]+\)|getByPlaceholder\([^)]+\)|getByTestId\([^)]+\)|locator\([^)]+\))`)
	locatorArg        = regexp.MustCompile(`(?i)(?:locator|getByText|getByRole|getByLabel|getByPlaceholder|getByTestId)\((.+)\)`)
	pageTitle         = regexp.MustCompile(`(?i)(?:Page loads:|Navigate)\s+([^ ]+)`)
	pathInTitle       = regexp.MustCompile(`(?i)(/[a-z0-9/_-]+)`)
	navTitle          = regexp.MustCompile(`(?i)Navigate\s+[^→'"-]+(?:→|->)\s+([^\s]+)`)
	nonAlnum          = regexp.MustCompile(`[^a-z0-9]+`)
	nonAlnumAnyCase   = regexp.MustCompile(`(?i)[^a-z0-9]`)
	selectorish       = regexp.MustCompile(`[#.\[\]=:]`)
	toHaveURL         = regexp.MustCompile(`(?i)toHaveURL`)
	pageLoads         = regexp.MustCompile(`(?i)Page loads:`)
)

// DetectMissingLocators extracts remediation hints from failed cases.
func DetectMissingLocators(cases []report.Case) []MissingLocator {
	var out []MissingLocator
	for _, c := range cases {
		if c.Status != "failed" && c.Status != "error" {
			continue
		}
		if toHaveURL.MatchString(c.Message) {
			if target := navTarget(c.FullName); target != "" {
				step := c.FullName
				if step == "" {
					step = "Navigate to " + target
				}
				out = append(out, MissingLocator{
					PagePath:    globalNavPage,
					Bucket:      "locators",
					Name:        navKey(target),
					StepText:    step,
					Suggestions: []string{`a[href="` + target + `"]`, `a[href^="` + target + `"]`},
				})
			}
		}
		if !isMissingLocator(c.Message, c.Steps) {
			continue
		}
		expr := extractLocator(c.Message, c.Steps)
		if expr == "" {
			continue
		}
		name := locatorName(expr)
		if pageLoads.MatchString(c.FullName) {
			step := c.FullName
			if step == "" {
				step = "Page loads"
			}
			if name == "" {
				name = "pageIdentity"
			}
			out = append(out, MissingLocator{
				PagePath:    pagePath(c.FullName),
				Bucket:      "locators",
				Name:        "pageIdentity",
				StepText:    step,
				Suggestions: suggestions(name),
			})
			continue
		}
		step := strings.Join(c.Steps, "\n")
		if step == "" {
			step = c.FullName
		}
		if step == "" {
			step = name
		}
		out = append(out, MissingLocator{
			PagePath:    pagePath(c.FullName),
			Bucket:      "locators",
			Name:        name,
			StepText:    step,
			Suggestions: suggestions(name),
		})
	}
	return out
}

// AppendMissingLocators adds items to the {"items": [...]} document at path.
func AppendMissingLocators(path string, items []MissingLocator) error {
	if len(items) == 0 {
		return nil
	}
	var doc struct {
		Items []MissingLocator `json:"items"`
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: run log dir
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &doc); jerr != nil {
			doc.Items = nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc.Items = append(doc.Items, items...)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644) //nolint:gosec // G306
}

func isMissingLocator(message string, steps []string) bool {
	raw := message + "\n" + strings.Join(steps, "\n")
	if strings.TrimSpace(raw) == "" || !locatorWaitSignal.MatchString(raw) {
		return false
	}
	return locatorCall.MatchString(raw)
}

func extractLocator(message string, steps []string) string {
	raw := message + "\n" + strings.Join(steps, "\n")
	if m := locatorLine.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, s := range steps {
		if m := waitingFor.FindStringSubmatch(s); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if m := locatorExpr.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func locatorName(expr string) string {
	if m := locatorArg.FindStringSubmatch(strings.TrimSpace(expr)); m != nil {
		return cleanArg(m[1])
	}
	return expr
}

// cleanArg unwraps a regex literal or a quoted string argument.
func cleanArg(v string) string {
	raw := strings.TrimSpace(v)
	if strings.HasPrefix(raw, "/") {
		if last := strings.LastIndex(raw, "/"); last > 0 {
			raw = raw[1:last]
		}
	}
	if len(raw) >= 2 && (raw[0] == '\'' && raw[len(raw)-1] == '\'' || raw[0] == '"' && raw[len(raw)-1] == '"') {
		raw = raw[1 : len(raw)-1]
	}
	return strings.TrimSpace(raw)
}

func pagePath(title string) string {
	if title == "" {
		return "/"
	}
	if m := pageTitle.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := pathInTitle.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "/"
}

func navTarget(title string) string {
	m := navTitle.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	t := strings.TrimSpace(m[1])
	if !strings.HasPrefix(t, "/") {
		return ""
	}
	return t
}

func navKey(path string) string {
	if path == "/" {
		return "nav.home"
	}
	kebab := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimPrefix(path, "/")), "-"), "-")
	if kebab == "" {
		return "nav.home"
	}
	return "nav." + kebab
}

func suggestions(name string) []string {
	var out []string
	seen := map[string]bool{}
	push := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	text := strings.TrimSpace(name)
	if selectorish.MatchString(text) {
		push(text)
	}
	if text != "" && len([]rune(text)) <= 80 {
		push("text=" + strings.ReplaceAll(text, `"`, `\"`))
	}
	if norm := nonAlnumAnyCase.ReplaceAllString(name, ""); norm != "" && len(norm) <= 32 {
		push(`input[name="` + norm + `"]`)
		push(`input[placeholder*="` + norm + `"]`)
		push(`[data-testid*="` + norm + `"]`)
	}
	push("input")
	push("button")
	return out
}

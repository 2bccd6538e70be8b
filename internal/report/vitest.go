package report

import "strings"

type vitestTask struct {
	Type     string       `json:"type"`
	Name     string       `json:"name"`
	File     string       `json:"file"`
	NamePath []string     `json:"namePath"`
	Tasks    []vitestTask `json:"tasks"`
	Location *struct {
		File string `json:"file"`
	} `json:"location"`
	Result *struct {
		State    string   `json:"state"`
		Duration *float64 `json:"duration"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"result"`
}

// parseVitest walks vitest's task tree format.
func parseVitest(tasks []vitestTask) []Case {
	var out []Case
	var walk func(t vitestTask, fileHint string)
	walk = func(t vitestTask, fileHint string) {
		switch t.Type {
		case "suite":
			hint := fileHint
			if t.File != "" {
				hint = t.File
			}
			for _, child := range t.Tasks {
				walk(child, hint)
			}
		case "test":
			file := t.File
			if file == "" {
				file = fileHint
			}
			if file == "" && t.Location != nil {
				file = t.Location.File
			}
			name := strings.Join(t.NamePath, " ")
			if name == "" {
				name = t.Name
			}
			if name == "" {
				name = "test"
			}
			c := Case{File: normalizePath(file), FullName: name, Status: "error"}
			if t.Result != nil {
				switch t.Result.State {
				case "pass":
					c.Status = "passed"
				case "fail":
					c.Status = "failed"
				case "skip":
					c.Status = "skipped"
				}
				c.DurationMs = millis(t.Result.Duration)
				if t.Result.Error != nil {
					c.Message = StripANSI(t.Result.Error.Message)
				}
			}
			out = append(out, c)
		}
	}
	for _, t := range tasks {
		walk(t, "")
	}
	return out
}

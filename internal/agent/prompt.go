package agent

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/flotilla/internal/prd"
)

// BuildPrompt renders the instructions handed to the agent working on task
func BuildPrompt(doc *prd.Document, task prd.Task) string {
	var b strings.Builder

	title := doc.Title
	if title == "" {
		title = doc.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "You are working on task %s of PRD %s.\n\n", task.ID, doc.ID)
	fmt.Fprintf(&b, "## Task\n\n%s\n", strings.TrimSpace(task.Description))

	if len(task.ResourceHints) > 0 {
		b.WriteString("\n## Expected files\n\n")
		for _, h := range task.ResourceHints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	if len(task.Dependencies) > 0 {
		b.WriteString("\n## Already merged\n\n")
		for _, dep := range task.Dependencies {
			if t, ok := doc.Task(dep); ok {
				fmt.Fprintf(&b, "- %s: %s\n", dep, firstLine(t.Description))
			} else {
				fmt.Fprintf(&b, "- %s\n", dep)
			}
		}
	}

	b.WriteString("\n## Rules\n\n")
	b.WriteString("- Stay within the scope of this task; other agents are changing other files in parallel.\n")
	b.WriteString("- Commit your work on the current branch before exiting.\n")
	b.WriteString("- Exit non-zero if you could not complete the task.\n")
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package enforcer

import (
	"fmt"
	"strings"
)

// buildFocusedTodoPrompt names the specific unresolved todo items when a
// success declaration was downgraded to partial. The agent must either
// finish them or update its todo list before declaring completion again.
func buildFocusedTodoPrompt(todos []TodoItem) string {
	var open []string
	for _, item := range todos {
		if !item.Status.Resolved() {
			open = append(open, fmt.Sprintf("- [%s] %s", item.Status, item.Content))
		}
	}

	return fmt.Sprintf(`You declared the task complete, but your own todo list still has unresolved items:

%s

Continue working on these items now. For each one, either finish it and mark it completed, or cancel it with a reason. Update your todo list to reflect reality, then declare completion again.`, strings.Join(open, "\n"))
}

// buildPartialContinuationPrompt handles an honest partial declaration
func buildPartialContinuationPrompt(d Declaration) string {
	var sb strings.Builder
	sb.WriteString(`You declared completion with status="partial", which means the task is not finished.`)
	if d.RemainingWork != "" {
		sb.WriteString("\n\nYou reported this remaining work:\n")
		sb.WriteString(d.RemainingWork)
	}
	sb.WriteString(`

Produce a short continuation plan for the remaining work, then carry it out. When everything is done, declare completion with status="success".`)
	return sb.String()
}

// buildMissingDeclarationPrompt reminds an agent that did real work but
// ended its turn without ever declaring completion.
func buildMissingDeclarationPrompt() string {
	return `You used tools this turn but never declared completion. If the task is finished, declare completion now with an accurate status and summary. If it is not finished, continue working and declare completion when it is.`
}

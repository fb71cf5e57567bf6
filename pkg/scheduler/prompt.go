package scheduler

import (
	"fmt"
	"strings"

	"github.com/bosun-dev/bosun/pkg/models"
)

// noOpPrompt is the fallback follow-up when a session finished cleanly
// without committing and the transcript showed no recognisable pattern.
const noOpPrompt = "The previous session finished without committing any changes. " +
	"Implement the task now: make the code changes, run the relevant checks, and commit your work."

// buildPrompt renders the agent prompt for the next attempt and consumes any
// guidance stored by recovery. The returned prompt type and reason land on
// the session_start event.
func (s *Scheduler) buildPrompt(task *models.Task, branch, baseBranch string) (string, models.PromptType, string) {
	var carried string
	promptType := models.PromptInitial
	reason := ""

	s.mu.Lock()
	if st, ok := s.states[task.ID]; ok && st.nextPromptType != "" {
		carried = st.nextPrompt
		promptType = st.nextPromptType
		reason = st.nextReason
		st.nextPrompt = ""
		st.nextPromptType = ""
		st.nextReason = ""
	}
	s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "You are working on task %s: %s\n\n", task.ID, task.Title)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are in a dedicated git worktree on branch %q (base branch %q).\n", branch, baseBranch)
	b.WriteString("Implement the task completely: make the changes, run the relevant checks, ")
	b.WriteString("and commit your work with clear messages. Do not push and do not open a ")
	b.WriteString("pull request; the orchestrator publishes the branch when you are done.\n")
	if carried != "" {
		b.WriteString("\nGuidance from the previous attempt:\n")
		b.WriteString(carried)
		b.WriteString("\n")
	}
	return b.String(), promptType, reason
}

// prTitle renders the pull request title for a finished task.
func prTitle(task *models.Task) string {
	title := strings.TrimSpace(task.Title)
	if title == "" {
		title = task.ID
	}
	return title
}

// prBody renders the pull request description.
func prBody(task *models.Task, branch, baseBranch string) string {
	var b strings.Builder
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Automated change for task %s.\n\n", task.ID)
	fmt.Fprintf(&b, "Branch `%s` into `%s`.\n", branch, baseBranch)
	return b.String()
}

package sequence

import (
	"fmt"
	"regexp"
	"strings"
)

// Detector thresholds.
const (
	toolLoopMinCalls     = 5
	toolLoopMaxDistinct  = 2
	paralysisMinCalls    = 10
	paralysisMinReads    = 8
	noProgressMinTotal   = 5
	errorLoopMinErrors   = 3
	errorTruncateLen     = 100
	rateLimitedMinErrors = 2
)

var rateLimitRe = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|quota.*exceeded|overloaded`)

// Tool-name fragments that mark a call as reading or writing. Matched as
// substrings of the lowercased tool name, so "str_replace" counts as
// write-like and "grep_search" as read-like.
var (
	readLikeTools  = []string{"read", "search", "grep", "list", "find", "cat"}
	writeLikeTools = []string{"write", "edit", "create", "replace", "patch", "append"}
)

// Phrase sets matched against lowercased agent text.
var (
	planPhrases = []string{
		"here's the plan",
		"here is the plan",
		"plan.md",
		"ready to begin",
		"ready to implement",
		"would you like me to implement",
		"implementation plan",
	}
	clarificationPhrases = []string{
		"need clarification",
		"needs clarification",
		"which approach",
		"please specify",
		"please clarify",
		"could you clarify",
	}
	completionPhrases = []string{
		"task complete",
		"task is complete",
		"completed the task",
		"pushed to",
		"pr created",
		"pull request created",
		"created a pull request",
		"all done",
	}
	permissionPhrases = []string{
		"should i proceed",
		"shall i proceed",
		"shall i continue",
		"waiting for your",
		"awaiting your",
		"need your permission",
		"do you want me to proceed",
	}
)

// session is the precomputed view the detectors share.
type session struct {
	total       int
	toolCalls   []Message
	agentCount  int
	errors      []Message
	agentText   string // all agent messages, lowercased
	lastAgent   string // last agent message, lowercased
	toolContent string // all tool call contents, lowercased
	readLike    int
	writeLike   int
}

// Analyze runs every detector over the session's ordered messages and
// selects the primary pattern by priority. Stateless and safe for
// concurrent use.
func Analyze(messages []Message) Result {
	s := digest(messages)

	found := make(map[Pattern]string)
	if ok, detail := s.toolLoop(); ok {
		found[PatternToolLoop] = detail
	}
	if ok, detail := s.analysisParalysis(); ok {
		found[PatternAnalysisParalysis] = detail
	}
	if ok, detail := s.planStuck(); ok {
		found[PatternPlanStuck] = detail
	}
	if ok, detail := s.needsClarification(); ok {
		found[PatternNeedsClarification] = detail
	}
	if ok, detail := s.falseCompletion(); ok {
		found[PatternFalseCompletion] = detail
	}
	if ok, detail := s.commitsNoPush(); ok {
		found[PatternCommitsNoPush] = detail
	}
	if ok, detail := s.permissionWait(); ok {
		found[PatternPermissionWait] = detail
	}
	if ok, detail := s.noProgress(); ok {
		found[PatternNoProgress] = detail
	}
	if ok, detail := s.errorLoop(); ok {
		found[PatternErrorLoop] = detail
	}
	if ok, detail := s.rateLimited(); ok {
		found[PatternRateLimited] = detail
	}

	result := Result{}
	for _, p := range primaryOrder {
		if _, ok := found[p]; ok {
			result.Patterns = append(result.Patterns, p)
		}
	}
	if len(result.Patterns) > 0 {
		result.Primary = result.Patterns[0]
		result.Details = found[result.Primary]
		result.Intervention = Intervention(result.Primary)
	}
	return result
}

func digest(messages []Message) session {
	s := session{total: len(messages)}
	var agentParts, toolParts []string
	for _, m := range messages {
		switch m.Type {
		case MessageToolCall:
			s.toolCalls = append(s.toolCalls, m)
			toolParts = append(toolParts, strings.ToLower(m.Content))
			name := strings.ToLower(m.ToolName)
			if containsAny(name, writeLikeTools) {
				s.writeLike++
			} else if containsAny(name, readLikeTools) {
				s.readLike++
			}
		case MessageAgent:
			s.agentCount++
			lower := strings.ToLower(m.Content)
			agentParts = append(agentParts, lower)
			s.lastAgent = lower
		case MessageError:
			s.errors = append(s.errors, m)
		}
	}
	s.agentText = strings.Join(agentParts, "\n")
	s.toolContent = strings.Join(toolParts, "\n")
	return s
}

func (s *session) toolLoop() (bool, string) {
	if len(s.toolCalls) < toolLoopMinCalls {
		return false, ""
	}
	last := s.toolCalls[len(s.toolCalls)-toolLoopMinCalls:]
	distinct := make(map[string]struct{}, toolLoopMinCalls)
	for _, call := range last {
		distinct[strings.ToLower(call.ToolName)] = struct{}{}
	}
	if len(distinct) > toolLoopMaxDistinct {
		return false, ""
	}
	return true, fmt.Sprintf("last %d tool calls used only %d distinct tools", toolLoopMinCalls, len(distinct))
}

func (s *session) analysisParalysis() (bool, string) {
	if len(s.toolCalls) < paralysisMinCalls || s.readLike < paralysisMinReads || s.writeLike != 0 {
		return false, ""
	}
	return true, fmt.Sprintf("%d of %d tool calls were reads with zero writes", s.readLike, len(s.toolCalls))
}

func (s *session) planStuck() (bool, string) {
	if s.writeLike > 1 {
		return false, ""
	}
	phrase, ok := firstPhrase(s.agentText, planPhrases)
	if !ok {
		return false, ""
	}
	return true, fmt.Sprintf("plan phrase %q with %d write-like tool calls", phrase, s.writeLike)
}

func (s *session) needsClarification() (bool, string) {
	phrase, ok := firstPhrase(s.agentText, clarificationPhrases)
	if !ok {
		return false, ""
	}
	return true, fmt.Sprintf("clarification phrase %q", phrase)
}

func (s *session) falseCompletion() (bool, string) {
	phrase, ok := firstPhrase(s.agentText, completionPhrases)
	if !ok {
		return false, ""
	}
	if strings.Contains(s.toolContent, "git commit") || strings.Contains(s.toolContent, "git push") {
		return false, ""
	}
	return true, fmt.Sprintf("completion claim %q without a commit or push", phrase)
}

func (s *session) commitsNoPush() (bool, string) {
	if !strings.Contains(s.toolContent, "git commit") || strings.Contains(s.toolContent, "git push") {
		return false, ""
	}
	if _, claimed := firstPhrase(s.agentText, completionPhrases); !claimed {
		return false, ""
	}
	return true, "commits exist but were never pushed"
}

func (s *session) permissionWait() (bool, string) {
	phrase, ok := firstPhrase(s.lastAgent, permissionPhrases)
	if !ok {
		return false, ""
	}
	return true, fmt.Sprintf("session ended asking %q", phrase)
}

func (s *session) noProgress() (bool, string) {
	if s.total < noProgressMinTotal || len(s.toolCalls) > 0 || s.agentCount > 1 {
		return false, ""
	}
	return true, fmt.Sprintf("%d messages with no tool calls and %d agent messages", s.total, s.agentCount)
}

func (s *session) errorLoop() (bool, string) {
	if len(s.errors) < errorLoopMinErrors {
		return false, ""
	}
	last := s.errors[len(s.errors)-errorLoopMinErrors:]
	first := truncate(last[0].Content, errorTruncateLen)
	for _, e := range last[1:] {
		if truncate(e.Content, errorTruncateLen) != first {
			return false, ""
		}
	}
	return true, fmt.Sprintf("last %d errors are identical: %s", errorLoopMinErrors, first)
}

func (s *session) rateLimited() (bool, string) {
	hits := 0
	for _, e := range s.errors {
		if rateLimitRe.MatchString(e.Content) {
			hits++
		}
	}
	if hits < rateLimitedMinErrors {
		return false, ""
	}
	return true, fmt.Sprintf("%d rate-limit errors", hits)
}

func containsAny(s string, fragments []string) bool {
	for _, fragment := range fragments {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

func firstPhrase(text string, phrases []string) (string, bool) {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

package sequence

// Intervention prompts, one per primary pattern. These are injected verbatim
// as the followup prompt of the next session, so they speak directly to the
// agent in the imperative.
const (
	interventionRateLimited = "You are hitting provider rate limits. Slow down, batch related work into fewer larger steps, and avoid rapid-fire tool calls."

	interventionPlanStuck = "Stop planning and implement now. Make the code changes directly, commit them, and push the branch."

	interventionFalseCompletion = "You reported completion but nothing was committed or pushed. Verify your changes exist on disk, commit them, and push the branch before finishing."

	interventionCommitsNoPush = "Your commits were never pushed. Push the branch now so the pull request can be created."

	interventionPermissionWait = "Do not wait for permission. You are authorized to make all changes needed for this task; continue without asking for confirmation."

	interventionErrorLoop = "The same error keeps repeating. Stop retrying the failed approach, read the full error message carefully, and take a different strategy."

	interventionNeedsClarification = "Nobody is available to answer questions. Pick the most reasonable interpretation, note the assumption in your summary, and proceed with the implementation."

	interventionToolLoop = "You are repeating the same tool calls without progress. Step back, state what you have learned so far, and take a different action."

	interventionAnalysisParalysis = "You have read enough. Start making the code changes now, then commit and push them."

	interventionNoProgress = "The session produced no work. Begin the task now with the first concrete code change."
)

var interventions = map[Pattern]string{
	PatternRateLimited:        interventionRateLimited,
	PatternPlanStuck:          interventionPlanStuck,
	PatternFalseCompletion:    interventionFalseCompletion,
	PatternCommitsNoPush:      interventionCommitsNoPush,
	PatternPermissionWait:     interventionPermissionWait,
	PatternErrorLoop:          interventionErrorLoop,
	PatternNeedsClarification: interventionNeedsClarification,
	PatternToolLoop:           interventionToolLoop,
	PatternAnalysisParalysis:  interventionAnalysisParalysis,
	PatternNoProgress:         interventionNoProgress,
}

// Intervention returns the followup prompt for a detected pattern, or the
// empty string for PatternNone and unknown values.
func Intervention(p Pattern) string {
	return interventions[p]
}

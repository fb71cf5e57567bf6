// Package classify turns raw agent output into a structured error
// classification and decides how the scheduler should recover: retry,
// guided retry, cooldown, fresh session, manual attention, or a full
// executor pause.
package classify

import (
	"fmt"
	"regexp"

	"github.com/bosun-dev/bosun/pkg/models"
)

// rawMatchLimit caps the excerpt kept from the matching output.
const rawMatchLimit = 200

// unknownConfidence is reported when no group matches.
const unknownConfidence = 0.2

// group is one ordered classification bucket. Groups are evaluated in
// order and the best strictly-greater confidence wins, so on ties the
// earlier group prevails. Non-retryable failures sit first for exactly
// that reason.
type group struct {
	pattern    models.ErrorPattern
	severity   models.AlertSeverity
	confidence float64
	details    string
	indicators []*regexp.Regexp
}

func compileGroup(pattern models.ErrorPattern, severity models.AlertSeverity, confidence float64, details string, exprs ...string) group {
	indicators := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		indicators[i] = regexp.MustCompile(expr)
	}
	return group{
		pattern:    pattern,
		severity:   severity,
		confidence: confidence,
		details:    details,
		indicators: indicators,
	}
}

var groups = []group{
	compileGroup(models.PatternAuthError, models.SeverityHigh, 0.9,
		"authentication, authorization, or billing failure",
		`(?i)\b401\b`,
		`(?i)unauthorized`,
		`(?i)authentication[ _-]?(failed|error)`,
		`(?i)invalid (api[ _-]?key|credentials)`,
		`(?i)api[ _-]?key (not found|missing|expired|invalid)`,
		`(?i)credit balance is too low`,
	),
	compileGroup(models.PatternContentPolicy, models.SeverityHigh, 0.9,
		"request refused by a content policy",
		`(?i)content[ _-]?policy`,
		`(?i)policy violation`,
		`(?i)flagged as (unsafe|harmful)`,
		`(?i)safety filter`,
	),
	compileGroup(models.PatternModelError, models.SeverityHigh, 0.9,
		"the requested model is unknown or unavailable",
		`(?i)model.{0,30}(not found|does not exist|unavailable|not supported)`,
		`(?i)unknown model`,
		`(?i)invalid model`,
		`(?i)model_not_found`,
	),
	compileGroup(models.PatternOOMKill, models.SeverityCritical, 0.95,
		"the process was killed by the out-of-memory killer",
		`(?i)oom[- ]?kill`,
		`(?i)signal: killed`,
		`(?i)killed process`,
	),
	compileGroup(models.PatternOOM, models.SeverityHigh, 0.85,
		"the process ran out of memory",
		`(?i)out of memory`,
		`(?i)cannot allocate memory`,
		`(?i)javascript heap`,
		`(?i)memory (limit|exhausted)`,
	),
	compileGroup(models.PatternPlanStuck, models.SeverityMedium, 0.8,
		"the agent is planning instead of implementing",
		`(?i)plan mode`,
		`(?i)(here'?s|this is) (my|the) plan`,
		`(?i)ready to (begin|start|implement)`,
		`(?i)would you like me to (proceed|implement|continue)`,
		`(?i)waiting for plan approval`,
	),
	compileGroup(models.PatternRateLimit, models.SeverityMedium, 0.9,
		"the provider is rate limiting requests",
		`(?i)rate[ _-]?limit`,
		`(?i)\b429\b`,
		`(?i)too many requests`,
		`(?i)quota exceeded`,
		`(?i)overloaded`,
		`(?i)usage limit`,
	),
	compileGroup(models.PatternTokenOverflow, models.SeverityHigh, 0.9,
		"the context window is exhausted",
		`(?i)context (length|window)`,
		`(?i)token limit`,
		`(?i)maximum (context|tokens)`,
		`(?i)prompt is too long`,
		`(?i)exceeds.{0,30}tokens`,
	),
	compileGroup(models.PatternSessionExpired, models.SeverityMedium, 0.85,
		"the agent session is gone and cannot be resumed",
		`(?i)session (expired|not found|invalid)`,
		`(?i)no conversation found`,
		`(?i)resume.{0,30}failed`,
	),
	compileGroup(models.PatternCodexSandbox, models.SeverityMedium, 0.85,
		"a sandbox restriction blocked an operation",
		`(?i)sandbox (denied|violation|error|restriction)`,
		`(?i)seatbelt`,
		`(?i)landlock`,
		`(?i)blocked by sandbox`,
	),
	compileGroup(models.PatternGitConflict, models.SeverityHigh, 0.9,
		"the branch has merge conflicts",
		`(?i)merge conflict`,
		`CONFLICT`,
		`(?i)cannot rebase`,
		`(?i)needs merge`,
		`(?i)automatic merge failed`,
	),
	compileGroup(models.PatternPushFailure, models.SeverityHigh, 0.9,
		"the branch could not be pushed",
		`(?i)failed to push`,
		`(?i)push (failed|rejected)`,
		`(?i)non-fast-forward`,
		`(?i)remote rejected`,
		`(?i)updates were rejected`,
	),
	compileGroup(models.PatternTestFailure, models.SeverityMedium, 0.8,
		"the test suite is failing",
		`(?i)tests? fail(ed|ing|ure)`,
		`(?i)assertion (failed|error)`,
		`--- FAIL`,
		`(?i)\d+ (failing|failed)\b`,
	),
	compileGroup(models.PatternLintFailure, models.SeverityLow, 0.8,
		"lint or format checks are failing",
		`(?i)lint(er)? (error|fail)`,
		`(?i)eslint`,
		`(?i)golangci-lint`,
		`(?i)clippy`,
		`(?i)format(ting)? check failed`,
	),
	compileGroup(models.PatternBuildFailure, models.SeverityMedium, 0.8,
		"the build does not compile",
		`(?i)build fail(ed|ure)`,
		`(?i)compil(e|ation) (error|failed)`,
		`(?i)cannot find module`,
		`(?i)undefined reference`,
		`(?i)syntax error`,
	),
	compileGroup(models.PatternPermissionWait, models.SeverityMedium, 0.85,
		"the agent is waiting for a human permission grant",
		`(?i)permission (request|required|needed)`,
		`(?i)waiting for (your )?(approval|permission|confirmation)`,
		`(?i)requires (your )?approval`,
		`(?i)allow this (tool|command)`,
	),
	compileGroup(models.PatternRequestError, models.SeverityMedium, 0.8,
		"the request was malformed or rejected",
		`(?i)bad request`,
		`(?i)invalid request`,
		`(?i)malformed`,
		`(?i)invalid_request_error`,
	),
	compileGroup(models.PatternAPIError, models.SeverityMedium, 0.8,
		"the provider API returned a server error",
		`(?i)\b50[0234]\b`,
		`(?i)internal server error`,
		`(?i)service unavailable`,
		`(?i)bad gateway`,
		`(?i)api error`,
		`(?i)upstream (error|timeout)`,
	),
	compileGroup(models.PatternEmptyResponse, models.SeverityLow, 0.75,
		"the agent produced no usable output",
		`(?i)empty (response|completion|output)`,
		`(?i)no (output|response) (received|from)`,
		`(?i)response was empty`,
	),
}

// Classify scans combined stdout and stderr and returns the best-matching
// pattern. Within a group, each indicator hit beyond the first raises
// confidence by 0.05 (capped at 1.0). Across groups the highest confidence
// wins; ties keep the earlier group, which puts non-retryable failures
// ahead of transient ones.
func Classify(output string) models.Classification {
	best := models.Classification{
		Pattern:    models.PatternUnknown,
		Confidence: unknownConfidence,
		Details:    "no known error signature matched",
		Severity:   models.SeverityLow,
	}
	if output == "" {
		return best
	}

	bestScore := 0.0
	for _, g := range groups {
		hits := 0
		firstMatch := ""
		for _, indicator := range g.indicators {
			match := indicator.FindString(output)
			if match == "" {
				continue
			}
			hits++
			if firstMatch == "" {
				firstMatch = match
			}
		}
		if hits == 0 {
			continue
		}

		score := g.confidence + 0.05*float64(hits-1)
		if score > 1.0 {
			score = 1.0
		}
		if score > bestScore {
			bestScore = score
			best = models.Classification{
				Pattern:    g.pattern,
				Confidence: score,
				Details:    fmt.Sprintf("%s (%d indicator hits)", g.details, hits),
				RawMatch:   truncate(firstMatch, rawMatchLimit),
				Severity:   g.severity,
			}
		}
	}
	return best
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// Kind maps a classification pattern onto the error kind reported on
// task.failed events. Behavioural patterns without a wire kind fall back to
// unknown.
func Kind(p models.ErrorPattern) models.ErrorKind {
	switch p {
	case models.PatternAuthError:
		return models.KindAuth
	case models.PatternContentPolicy:
		return models.KindContentPolicy
	case models.PatternRateLimit:
		return models.KindRateLimit
	case models.PatternTokenOverflow:
		return models.KindTokenOverflow
	case models.PatternModelError:
		return models.KindModel
	case models.PatternRequestError:
		return models.KindRequest
	case models.PatternAPIError:
		return models.KindAPI
	case models.PatternSessionExpired:
		return models.KindSessionExpired
	case models.PatternOOMKill, models.PatternOOM:
		return models.KindOOM
	case models.PatternCodexSandbox:
		return models.KindSandbox
	case models.PatternPushFailure:
		return models.KindPush
	case models.PatternTestFailure:
		return models.KindTest
	case models.PatternLintFailure:
		return models.KindLint
	case models.PatternBuildFailure:
		return models.KindBuild
	case models.PatternGitConflict:
		return models.KindConflict
	case models.PatternPermissionWait:
		return models.KindPermissionWait
	case models.PatternEmptyResponse:
		return models.KindEmptyResponse
	default:
		return models.KindUnknown
	}
}

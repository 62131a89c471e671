package supervisor

import (
	"path/filepath"
	"strings"

	"github.com/xiaoyuanzhu-com/agent-hub/agent"
)

// policyDecision is what per-mode tool gating yields before any user is
// consulted: either an immediate allow or a fall-through to a prompt.
type policyDecision int

const (
	decisionPrompt policyDecision = iota
	decisionAllow
)

// planAllowedTools are the read-only tools plan mode runs without asking.
// Names are matched case-insensitively with separators stripped, so both
// "WebFetch" and "web-fetch" spellings resolve.
var planAllowedTools = map[string]struct{}{
	"read":       {},
	"glob":       {},
	"grep":       {},
	"lsp":        {},
	"webfetch":   {},
	"websearch":  {},
	"task":       {},
	"taskoutput": {},
}

// editTools are the file-editing tools acceptEdits mode runs without asking.
var editTools = map[string]struct{}{
	"edit":         {},
	"write":        {},
	"notebookedit": {},
}

// planWritePrefix is the sub-path plan mode may write to freely, for
// recording the plan itself.
const planWritePrefix = ".claude/plans/"

// Tools whose approval implicitly switches the permission mode.
const (
	toolEnterPlanMode   = "EnterPlanMode"
	toolExitPlanMode    = "ExitPlanMode"
	toolAskUserQuestion = "AskUserQuestion"
)

func normalizeToolName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	return name
}

// evaluatePolicy decides whether a tool call is auto-allowed under the
// given mode or must be put to the user.
func evaluatePolicy(mode agent.PermissionMode, toolName string, input map[string]any) policyDecision {
	switch mode {
	case agent.PermissionModeBypassPermissions:
		return decisionAllow

	case agent.PermissionModePlan:
		name := normalizeToolName(toolName)
		// Mode-switch and question tools always go to the user.
		if toolName == toolExitPlanMode || toolName == toolAskUserQuestion {
			return decisionPrompt
		}
		if _, ok := planAllowedTools[name]; ok {
			return decisionAllow
		}
		if isPlanFileWrite(name, input) {
			return decisionAllow
		}
		return decisionPrompt

	case agent.PermissionModeAcceptEdits:
		if _, ok := editTools[normalizeToolName(toolName)]; ok {
			return decisionAllow
		}
		return decisionPrompt

	default:
		return decisionPrompt
	}
}

// isPlanFileWrite reports whether a write-family tool targets the plans
// directory, which plan mode allows so the agent can record its plan.
func isPlanFileWrite(normalizedName string, input map[string]any) bool {
	if _, ok := editTools[normalizedName]; !ok {
		return false
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return strings.Contains(filepath.ToSlash(v), planWritePrefix)
		}
	}
	return false
}

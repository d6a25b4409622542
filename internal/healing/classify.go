package healing

import "strings"

// ErrorType is the failure class used to pick a healing strategy
type ErrorType string

const (
	ErrorTypeElementNotFound  ErrorType = "element_not_found"
	ErrorTypeSessionExpired   ErrorType = "session_expired"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
	ErrorTypeNetworkError     ErrorType = "network_error"
	ErrorTypeUIChanged        ErrorType = "ui_changed"
	ErrorTypePermissionDenied ErrorType = "permission_denied"
	ErrorTypeUnknown          ErrorType = "unknown"
)

// Healing method tags recorded in results and knowledge
const (
	MethodKnowledgeBase      = "knowledge_base"
	MethodElementRelearning  = "element_relearning"
	MethodSessionRefresh     = "session_refresh"
	MethodRateLimitWait      = "rate_limit_wait"
	MethodNetworkWait        = "network_wait"
	MethodUIRelearning       = "ui_relearning"
	MethodNeedsHumanTraining = "needs_human_training"
	MethodNeedsHuman         = "needs_human"
	MethodGenericRelearning  = "generic_relearning"
	MethodAICodeGeneration   = "ai_code_generation"
)

// classificationRules is evaluated in order; the first matching keyword wins
var classificationRules = []struct {
	errorType ErrorType
	keywords  []string
}{
	{ErrorTypeElementNotFound, []string{
		"element not found", "no such element", "could not find element", "waiting for selector",
		"selector", "not visible",
	}},
	{ErrorTypeSessionExpired, []string{
		"session expired", "session invalid", "login required", "not logged in", "token expired",
		"unauthorized", "401", "authentication",
	}},
	{ErrorTypeRateLimited, []string{
		"rate limit", "rate limited", "too many requests", "429", "throttl", "slow down",
	}},
	{ErrorTypeNetworkError, []string{
		"network", "timeout", "timed out", "connection", "econnreset", "econnrefused", "dns",
		"502", "503", "504",
	}},
	{ErrorTypeUIChanged, []string{
		"ui changed", "layout changed", "structure changed", "unexpected page", "not clickable",
		"detached",
	}},
	{ErrorTypePermissionDenied, []string{
		"permission denied", "forbidden", "403", "access denied", "not allowed", "suspended", "banned",
	}},
}

// Classify maps an error message to an ErrorType by case-insensitive keyword match
func Classify(errText string) ErrorType {
	lower := strings.ToLower(errText)
	for _, rule := range classificationRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.errorType
			}
		}
	}
	return ErrorTypeUnknown
}

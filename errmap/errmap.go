// Package errmap converts internal errors into the stable user-visible error
// records published on run output streams. Mapping is two-stage: a typed or
// coded error maps directly, otherwise an ordered table of regular
// expressions is matched against the error text, first match wins. The
// pattern table is intentionally best-effort; operators extend it as
// providers change their wording.
package errmap

import (
	"errors"
	"regexp"
)

type (
	// Code is a stable user-visible error code.
	Code string

	// Action suggests a remediation the client can render.
	Action struct {
		Type         string `json:"type"`
		Label        string `json:"label"`
		URL          string `json:"url,omitempty"`
		DelaySeconds int    `json:"delay_seconds,omitempty"`
	}

	// UserError is the client-facing error record.
	UserError struct {
		Code        Code     `json:"error_code"`
		Message     string   `json:"error"`
		Recoverable bool     `json:"recoverable"`
		Actions     []Action `json:"actions"`
	}

	// CodedError attaches a Code to an internal error so Map can translate it
	// without pattern matching.
	CodedError struct {
		Code Code
		Err  error
	}

	catalogueEntry struct {
		message     string
		recoverable bool
		actions     []Action
	}

	pattern struct {
		re   *regexp.Regexp
		code Code
	}
)

const (
	CodeRateLimit            Code = "RATE_LIMIT"
	CodeCreditExhausted      Code = "CREDIT_EXHAUSTED"
	CodeConcurrentLimit      Code = "CONCURRENT_LIMIT"
	CodeModelAccessDenied    Code = "MODEL_ACCESS_DENIED"
	CodeSandboxUnavailable   Code = "SANDBOX_UNAVAILABLE"
	CodeLLMOverloaded        Code = "LLM_OVERLOADED"
	CodeLLMTimeout           Code = "LLM_TIMEOUT"
	CodeContextTooLong       Code = "CONTEXT_TOO_LONG"
	CodeMCPConnectionFailed  Code = "MCP_CONNECTION_FAILED"
	CodeToolExecutionFailed  Code = "TOOL_EXECUTION_FAILED"
	CodeAuthExpired          Code = "AUTHENTICATION_EXPIRED"
	CodeNetworkError         Code = "NETWORK_ERROR"
	CodeInternalError        Code = "INTERNAL_ERROR"
	CodeBillingError         Code = "BILLING_ERROR"
	CodeProjectNotFound      Code = "PROJECT_NOT_FOUND"
	CodeThreadNotFound       Code = "THREAD_NOT_FOUND"
)

// Preparation-stage codes. These are internal: the dispatcher translates them
// to user codes before publishing.
const (
	CodeInsufficientCredits   Code = "INSUFFICIENT_CREDITS"
	CodeAgentRunLimitExceeded Code = "AGENT_RUN_LIMIT_EXCEEDED"
	CodePrepError             Code = "PREP_ERROR"
)

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

// Unwrap returns the wrapped cause.
func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err with a stable code.
func WithCode(code Code, err error) error {
	return &CodedError{Code: code, Err: err}
}

var catalogue = map[Code]catalogueEntry{
	CodeRateLimit: {
		message:     "Too many requests right now. Please wait a moment and try again.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 30}},
	},
	CodeCreditExhausted: {
		message:     "You have run out of credits.",
		recoverable: false,
		actions: []Action{
			{Type: "link", Label: "Upgrade plan", URL: "/settings/billing"},
			{Type: "link", Label: "View usage", URL: "/settings/usage"},
		},
	},
	CodeConcurrentLimit: {
		message:     "You have reached your concurrent run limit. Wait for a run to finish or upgrade your plan.",
		recoverable: true,
		actions: []Action{
			{Type: "retry", Label: "Retry", DelaySeconds: 60},
			{Type: "link", Label: "Upgrade plan", URL: "/settings/billing"},
		},
	},
	CodeModelAccessDenied: {
		message:     "Your plan does not include access to this model.",
		recoverable: false,
		actions:     []Action{{Type: "link", Label: "Upgrade plan", URL: "/settings/billing"}},
	},
	CodeSandboxUnavailable: {
		message:     "The execution sandbox is temporarily unavailable.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 60}},
	},
	CodeLLMOverloaded: {
		message:     "The model provider is overloaded. Your request will usually succeed on retry.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 30}},
	},
	CodeLLMTimeout: {
		message:     "The model took too long to respond.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 10}},
	},
	CodeContextTooLong: {
		message:     "This conversation is too long for the selected model, even after compression. Start a new thread or switch to a model with a larger context window.",
		recoverable: false,
		actions:     []Action{{Type: "link", Label: "New thread", URL: "/threads/new"}},
	},
	CodeMCPConnectionFailed: {
		message:     "Could not connect to one of your configured integrations.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 30}},
	},
	CodeToolExecutionFailed: {
		message:     "A tool failed while executing. The agent will continue where possible.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 10}},
	},
	CodeAuthExpired: {
		message:     "Your session has expired. Please sign in again.",
		recoverable: false,
		actions:     []Action{{Type: "link", Label: "Sign in", URL: "/login"}},
	},
	CodeNetworkError: {
		message:     "A network error interrupted the run.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 15}},
	},
	CodeInternalError: {
		message:     "Something went wrong on our side. The team has been notified.",
		recoverable: true,
		actions:     []Action{{Type: "retry", Label: "Retry", DelaySeconds: 30}},
	},
	CodeBillingError: {
		message:     "A billing problem prevented this run.",
		recoverable: false,
		actions:     []Action{{Type: "link", Label: "Billing settings", URL: "/settings/billing"}},
	},
	CodeProjectNotFound: {
		message:     "The project for this run no longer exists.",
		recoverable: false,
		actions:     nil,
	},
	CodeThreadNotFound: {
		message:     "The conversation for this run no longer exists.",
		recoverable: false,
		actions:     nil,
	},
}

// prepToUser translates internal preparation codes to their user-facing
// equivalents.
var prepToUser = map[Code]Code{
	CodeInsufficientCredits:   CodeCreditExhausted,
	CodeAgentRunLimitExceeded: CodeConcurrentLimit,
	CodePrepError:             CodeInternalError,
}

// patterns is evaluated in order against err.Error(); first match wins.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)rate.?limit`), CodeRateLimit},
	{regexp.MustCompile(`(?i)insufficient[_ ]credits|payment required|quota exceeded`), CodeCreditExhausted},
	{regexp.MustCompile(`(?i)context.?(length|window)|too many tokens|prompt is too long`), CodeContextTooLong},
	{regexp.MustCompile(`(?i)overloaded|529|capacity`), CodeLLMOverloaded},
	{regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`), CodeLLMTimeout},
	{regexp.MustCompile(`(?i)unauthorized|authentication|401`), CodeAuthExpired},
	{regexp.MustCompile(`(?i)sandbox`), CodeSandboxUnavailable},
	{regexp.MustCompile(`(?i)mcp`), CodeMCPConnectionFailed},
	{regexp.MustCompile(`(?i)connection (refused|reset)|network|broken pipe|no such host`), CodeNetworkError},
}

// FromCode resolves a code into its catalogue record. Internal preparation
// codes are translated to their user-facing equivalents; unknown codes fall
// back to INTERNAL_ERROR.
func FromCode(code Code) UserError {
	if mapped, ok := prepToUser[code]; ok {
		code = mapped
	}
	entry, ok := catalogue[code]
	if !ok {
		code = CodeInternalError
		entry = catalogue[CodeInternalError]
	}
	return UserError{
		Code:        code,
		Message:     entry.message,
		Recoverable: entry.recoverable,
		Actions:     entry.actions,
	}
}

// Map converts an arbitrary internal error into a user error record. Coded
// errors map directly; the rest go through the pattern table and default to
// INTERNAL_ERROR.
func Map(err error) UserError {
	if err == nil {
		return FromCode(CodeInternalError)
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return FromCode(coded.Code)
	}
	msg := err.Error()
	for _, p := range patterns {
		if p.re.MatchString(msg) {
			return FromCode(p.code)
		}
	}
	return FromCode(CodeInternalError)
}

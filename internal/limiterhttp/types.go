package limiterhttp

import (
	"encoding/json"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/rules"
)

// RulesResponse is returned by the rule routes.
type RulesResponse struct {
	Identity string           `json:"identity"`
	Rules    []rules.RuleSpec `json:"rules"`
	// ManagedByDocument is set when the rules document owns this identity,
	// the next document change overwrites rules set over HTTP.
	ManagedByDocument bool `json:"managed_by_document,omitempty"`
}

type IdentitiesResponse struct {
	Identities []string `json:"identities"`
	Count      int      `json:"count"`
}

// RuleUsage is one rule and the requests currently inside its window.
type RuleUsage struct {
	rules.RuleSpec
	Count     int `json:"count"`
	Remaining int `json:"remaining"`
}

type UsageResponse struct {
	Identity   string      `json:"identity"`
	Configured bool        `json:"configured"`
	Rules      []RuleUsage `json:"rules"`
}

// ExecuteRequest is handed to the work unit of an admitted execute call.
type ExecuteRequest struct {
	Identity string
	Payload  json.RawMessage
}

type ExecuteResponse struct {
	Result any `json:"result"`
}

// EchoResult is what the default work unit returns.
type EchoResult struct {
	Identity    string          `json:"identity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// DocumentResponse describes the active rules document.
type DocumentResponse struct {
	SHA256     string          `json:"sha256"`
	Source     string          `json:"source"`
	Signed     bool            `json:"signed"`
	LoadedAt   time.Time       `json:"loaded_at"`
	Identities int             `json:"identities"`
	Document   *rules.Document `json:"document"`
}

type errorResponse struct {
	Error string `json:"error"`
}

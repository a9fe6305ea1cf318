package api

import "time"

// AccountResponse is the read view of an account's billing standing.
type AccountResponse struct {
	UserID            string         `json:"user_id"`
	Plan              string         `json:"plan"`
	TrialUsed         bool           `json:"trial_used"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	PeriodEnd         *time.Time     `json:"period_end,omitempty"`
	Credits           map[string]int `json:"credits"`
}

// PlanChangeRequest asks to move the account to a paid plan.
type PlanChangeRequest struct {
	Plan   string `json:"plan"`
	Period string `json:"period"`
}

// PlanChangeResponse carries the outcome of a plan change request. Either
// Upgraded is true (the change already happened) or ClientSecret holds the
// secret the client confirms to finish payment or card setup.
type PlanChangeResponse struct {
	Upgraded     bool   `json:"upgraded"`
	ClientSecret string `json:"client_secret,omitempty"`
	IntentKind   string `json:"intent_kind,omitempty"` // "payment" or "setup"
}

// AuthorizeRequest asks whether one more item may be created.
type AuthorizeRequest struct {
	BusinessID string `json:"business_id"`
	Kind       string `json:"kind"`
}

// AuthorizeResponse mirrors the enforcer's decision.
type AuthorizeResponse struct {
	Allowed       bool   `json:"allowed"`
	ChargedCredit bool   `json:"charged_credit"`
	Remaining     int    `json:"remaining"` // -1 for unlimited
	Reason        string `json:"reason,omitempty"`
	NeedsPayment  bool   `json:"needs_payment"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

package schemas

import (
	"fmt"
	"strings"
)

// AccountKind selects the panel section an account is created in.
type AccountKind string

const (
	AccountTrial     AccountKind = "trial"
	AccountPermanent AccountKind = "permanent"
)

// Valid reports whether k is one of the known account kinds.
func (k AccountKind) Valid() bool {
	return k == AccountTrial || k == AccountPermanent
}

// ParseAccountKind accepts the canonical names plus a few short aliases
// used by the CLI.
func ParseAccountKind(s string) (AccountKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trial", "test", "teste":
		return AccountTrial, nil
	case "permanent", "perm", "permanente":
		return AccountPermanent, nil
	}
	return "", fmt.Errorf("unknown account kind %q (want trial or permanent)", s)
}

// ProvisioningRequest is one requester asking for one account.
type ProvisioningRequest struct {
	RequesterID int64       `json:"requester_id"`
	Kind        AccountKind `json:"kind"`
	PackageID   string      `json:"package_id"`
}

func (r ProvisioningRequest) Validate() error {
	if !r.Kind.Valid() {
		return NewError(ErrCodeInvalidRequest, fmt.Sprintf("invalid account kind %q", r.Kind), nil)
	}
	if strings.TrimSpace(r.PackageID) == "" {
		return NewError(ErrCodeInvalidRequest, "package id is required", nil)
	}
	return nil
}

// QuotaSnapshot is the remaining creation credit as read from the panel.
// Advisory is set when the panel display could not be read and Remaining
// holds the configured fallback instead of an observed value.
type QuotaSnapshot struct {
	Remaining int  `json:"remaining"`
	Advisory  bool `json:"advisory"`
}

// ProvisionedAccount is the result of a successful run. The password is
// never persisted or logged; it only travels back to the requester.
type ProvisionedAccount struct {
	Username  string      `json:"username"`
	Password  string      `json:"-"`
	Kind      AccountKind `json:"kind"`
	PackageID string      `json:"package_id"`
	// CreditsLeft is the quota observed before creation minus the one spent.
	CreditsLeft        int  `json:"credits_left"`
	CreditsApproximate bool `json:"credits_approximate"`
}

// Stage is a coarse progress marker surfaced to the requester.
type Stage string

const (
	StageAuthenticating Stage = "authenticating"
	StageNavigating     Stage = "navigating"
	StageSubmitting     Stage = "submitting"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// Step names the orchestration step a run was executing. Failures carry it
// so the operator can see where a run stopped.
type Step string

const (
	StepAdmission  Step = "admission"
	StepValidate   Step = "validate"
	StepOpen       Step = "open_session"
	StepLogin      Step = "login"
	StepReadQuota  Step = "read_quota"
	StepNavigate   Step = "navigate"
	StepOpenForm   Step = "open_form"
	StepGenerate   Step = "generate_username"
	StepSubmit     Step = "submit"
	StepExtract    Step = "extract_credentials"
	StepCompletion Step = "completion"
)

// StatusSink receives progress stages while a run executes. Implementations
// must not block for long; they are called on the run's goroutine.
type StatusSink interface {
	OnStatus(stage Stage)
}

// StatusFunc adapts a plain function to a StatusSink.
type StatusFunc func(Stage)

func (f StatusFunc) OnStatus(stage Stage) {
	if f != nil {
		f(stage)
	}
}

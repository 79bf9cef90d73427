package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/sites"
)

// OutcomeKind is the terminal classification of one scripted run.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeFailure      OutcomeKind = "failure"
	OutcomeIntervention OutcomeKind = "intervention_needed"
)

// Outcome is what a run reports back to the lifecycle.
type Outcome struct {
	Kind         OutcomeKind            `json:"kind"`
	Summary      string                 `json:"summary,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Intervention sites.InterventionType `json:"intervention,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
}

func Success(summary string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Summary: summary}
}

func Failure(reason, detail string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Detail: detail}
}

func InterventionNeeded(t sites.InterventionType) Outcome {
	return Outcome{Kind: OutcomeIntervention, Intervention: t}
}

// InterventionInput carries the human answer for a paused run.
type InterventionInput struct {
	Code   string `json:"code,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// Job describes one run. Resume runs the intervention steps on a page that
// is already signed part way in.
type Job struct {
	RequestID      string                 `json:"request_id"`
	ProfileID      string                 `json:"profile_id"`
	Site           string                 `json:"site"`
	CredentialsRef string                 `json:"credentials_ref"`
	Resume         bool                   `json:"resume,omitempty"`
	Intervention   sites.InterventionType `json:"intervention,omitempty"`
	Input          InterventionInput      `json:"input,omitempty"`

	// Cancelled is polled between steps.
	Cancelled func() bool `json:"-"`
}

func (j Job) cancelled() bool {
	return j.Cancelled != nil && j.Cancelled()
}

// ScriptSource resolves a site id to its definition.
type ScriptSource interface {
	Get(site string) (*sites.Script, error)
}

// CredentialResolver turns a credentialsRef into usable credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (credential.Credentials, error)
}

type RunnerConfig struct {
	StepTimeout    time.Duration
	MaxRetries     int
	DetectInterval time.Duration
}

// Runner executes site scripts on a Page.
type Runner struct {
	scripts  ScriptSource
	creds    CredentialResolver
	detector sites.Detector
	cfg      RunnerConfig
	audit    *stepAuditLogger
}

func NewRunner(scripts ScriptSource, creds CredentialResolver, detector sites.Detector, cfg RunnerConfig) *Runner {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > 2 {
		cfg.MaxRetries = 2
	}
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = time.Second
	}
	if detector == nil {
		detector = sites.SignatureDetector{}
	}
	return &Runner{
		scripts:  scripts,
		creds:    creds,
		detector: detector,
		cfg:      cfg,
		audit:    newStepAuditLogger(),
	}
}

// Run executes the login steps (or the intervention steps on Resume) and
// classifies the resulting page.
func (r *Runner) Run(ctx context.Context, page Page, job Job) Outcome {
	script, err := r.scripts.Get(job.Site)
	if err != nil {
		return Failure(apperr.ReasonUnsupportedSite, err.Error())
	}

	var (
		steps []sites.Step
		vars  sites.Vars
	)
	if job.Resume {
		steps = script.Intervention[job.Intervention]
		if len(steps) == 0 {
			return Failure(apperr.ReasonUnsupportedSite,
				fmt.Sprintf("site %s has no %s steps", script.Site, job.Intervention))
		}
		vars = sites.Vars{Code: job.Input.Code, Answer: job.Input.Answer}
	} else {
		creds, err := r.creds.Resolve(ctx, job.CredentialsRef)
		if err != nil {
			return Failure(apperr.ReasonCredentials, "credentials could not be resolved")
		}
		steps = script.Steps
		vars = sites.Vars{Username: creds.Username, Password: creds.Password}
	}

	for i, step := range steps {
		if job.cancelled() || ctx.Err() != nil {
			return Failure(apperr.ReasonCancelled, fmt.Sprintf("cancelled before step %d", i))
		}
		err := r.runStep(ctx, page, job, i, step, vars)
		if err == nil {
			continue
		}
		if ctx.Err() != nil || job.cancelled() || apperr.CodeOf(err) == apperr.ReasonCancelled {
			return Failure(apperr.ReasonCancelled, fmt.Sprintf("cancelled during step %d", i))
		}
		if step.Optional {
			continue
		}
		if apperr.CodeOf(err) == apperr.ReasonStepTimeout {
			return Failure(apperr.ReasonStepTimeout, fmt.Sprintf("step %d (%s) exceeded %s", i, step.Describe(), r.timeout(step)))
		}
		// A failed step may still have landed on a recognizable page.
		if out, ok := r.detectOnce(ctx, page, script); ok {
			return out
		}
		return Failure(apperr.ReasonStepFailed, fmt.Sprintf("step %d (%s): %v", i, step.Describe(), errors.Unwrap(err)))
	}

	return r.detect(ctx, page, job, script)
}

func (r *Runner) timeout(step sites.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return r.cfg.StepTimeout
}

func (r *Runner) runStep(ctx context.Context, page Page, job Job, index int, step sites.Step, vars sites.Vars) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 && (job.cancelled() || ctx.Err() != nil) {
			return apperr.Wrap(apperr.KindInternal, apperr.ReasonCancelled, errors.New("cancelled between retries"))
		}
		started := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, r.timeout(step))
		err := within(stepCtx, func(c context.Context) error { return r.do(c, page, step, vars) })
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		r.audit.logStep(job, index, attempt, step, time.Since(started), err)
		if err == nil {
			return nil
		}
		if timedOut {
			return apperr.Timeout(apperr.ReasonStepTimeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return apperr.Driver(apperr.ReasonStepFailed, lastErr)
}

func (r *Runner) do(ctx context.Context, page Page, step sites.Step, vars sites.Vars) error {
	switch step.Action {
	case sites.ActionNavigate:
		return page.Navigate(ctx, sites.Render(step.URL, vars))
	case sites.ActionFill:
		return page.Fill(ctx, step.Selector, sites.Render(step.Value, vars))
	case sites.ActionClick:
		return page.Click(ctx, step.Selector)
	case sites.ActionWait:
		return page.WaitVisible(ctx, step.Selector)
	case sites.ActionPress:
		return page.Press(ctx, step.Selector, step.Key)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// detect polls the signatures up to MaxRetries+1 times.
func (r *Runner) detect(ctx context.Context, page Page, job Job, script *sites.Script) Outcome {
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Failure(apperr.ReasonCancelled, "cancelled during detection")
			case <-time.After(r.cfg.DetectInterval):
			}
			if job.cancelled() {
				return Failure(apperr.ReasonCancelled, "cancelled during detection")
			}
		}

		verdict, err := r.classify(ctx, page, script)
		if err != nil {
			if ctx.Err() != nil {
				return Failure(apperr.ReasonCancelled, "cancelled during detection")
			}
			if apperr.CodeOf(err) == apperr.ReasonStepTimeout {
				return Failure(apperr.ReasonStepTimeout, "page detection exceeded step timeout")
			}
			continue
		}
		if out, ok := verdictOutcome(verdict, script); ok {
			return out
		}
	}

	url, _ := page.URL(ctx)
	return Failure(apperr.ReasonUnrecognizedPage, fmt.Sprintf("no signature matched at %s", url))
}

func (r *Runner) detectOnce(ctx context.Context, page Page, script *sites.Script) (Outcome, bool) {
	verdict, err := r.classify(ctx, page, script)
	if err != nil {
		return Outcome{}, false
	}
	switch verdict {
	case sites.VerdictSuccess, sites.VerdictOneTimeCode, sites.VerdictChallenge:
		return verdictOutcome(verdict, script)
	}
	return Outcome{}, false
}

func (r *Runner) classify(ctx context.Context, page Page, script *sites.Script) (sites.Verdict, error) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	type result struct {
		verdict sites.Verdict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, err := r.detector.Detect(dctx, page, script.Signatures)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.verdict, res.err
	case <-dctx.Done():
		if ctx.Err() == nil {
			return sites.VerdictUnknown, apperr.Timeout(apperr.ReasonStepTimeout, dctx.Err())
		}
		return sites.VerdictUnknown, ctx.Err()
	}
}

func verdictOutcome(v sites.Verdict, script *sites.Script) (Outcome, bool) {
	switch v {
	case sites.VerdictSuccess:
		return Success(fmt.Sprintf("signed in to %s", script.Site)), true
	case sites.VerdictFailure:
		return Failure(apperr.ReasonLoginRejected, "site reported a sign-in failure"), true
	}
	if t, ok := v.Intervention(); ok {
		return InterventionNeeded(t), true
	}
	return Outcome{}, false
}

// within runs fn but returns as soon as ctx is done, even if fn ignores ctx.
// The step timeout must fire regardless of driver cooperation.
func within(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

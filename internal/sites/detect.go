package sites

import (
	"context"
	"strings"
)

// Probe is the read-only view of a page the detector needs.
type Probe interface {
	URL(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
}

// Verdict classifies the page after the login steps ran.
type Verdict string

const (
	VerdictSuccess     Verdict = "success"
	VerdictOneTimeCode Verdict = "one_time_code"
	VerdictChallenge   Verdict = "challenge"
	VerdictFailure     Verdict = "failure"
	VerdictUnknown     Verdict = "unknown"
)

// Intervention maps an intervention verdict to its type.
func (v Verdict) Intervention() (InterventionType, bool) {
	switch v {
	case VerdictOneTimeCode:
		return OneTimeCode, true
	case VerdictChallenge:
		return Challenge, true
	}
	return "", false
}

// Detector decides which signature group the current page matches.
type Detector interface {
	Detect(ctx context.Context, p Probe, sig Signatures) (Verdict, error)
}

// SignatureDetector checks success first, then the intervention prompts,
// then explicit failure pages.
type SignatureDetector struct{}

func (SignatureDetector) Detect(ctx context.Context, p Probe, sig Signatures) (Verdict, error) {
	groups := []struct {
		verdict  Verdict
		matchers []Matcher
	}{
		{VerdictSuccess, sig.Success},
		{VerdictOneTimeCode, sig.OneTimeCode},
		{VerdictChallenge, sig.Challenge},
		{VerdictFailure, sig.Failure},
	}

	url, err := p.URL(ctx)
	if err != nil {
		return VerdictUnknown, err
	}
	for _, g := range groups {
		for _, m := range g.matchers {
			ok, err := Match(ctx, p, url, m)
			if err != nil {
				return VerdictUnknown, err
			}
			if ok {
				return g.verdict, nil
			}
		}
	}
	return VerdictUnknown, nil
}

// Match evaluates one matcher against the page at url.
func Match(ctx context.Context, p Probe, url string, m Matcher) (bool, error) {
	if m.empty() {
		return false, nil
	}
	if m.URLContains != "" && !strings.Contains(url, m.URLContains) {
		return false, nil
	}
	if m.Selector != "" {
		ok, err := p.Exists(ctx, m.Selector)
		if err != nil || !ok {
			return false, err
		}
	}
	if m.TextContains != "" {
		sel := m.Selector
		if sel == "" {
			sel = "body"
		}
		text, err := p.Text(ctx, sel)
		if err != nil {
			return false, err
		}
		if !strings.Contains(strings.ToLower(text), strings.ToLower(m.TextContains)) {
			return false, nil
		}
	}
	return true, nil
}

// Package sites holds the data-driven sign-in definitions, one Script per
// target site, plus the page-signature matching used to classify outcomes.
package sites

import (
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/signon/internal/apperr"
)

// InterventionType names the kind of human input a paused request needs.
type InterventionType string

const (
	OneTimeCode InterventionType = "one_time_code"
	Challenge   InterventionType = "challenge"
)

func (t InterventionType) Valid() bool {
	return t == OneTimeCode || t == Challenge
}

// Action is a single scripted browser operation.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionFill     Action = "fill"
	ActionClick    Action = "click"
	ActionWait     Action = "wait"
	ActionPress    Action = "press"
)

// Step is one entry of an ordered step list.
type Step struct {
	Action   Action        `yaml:"action" json:"action"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value    string        `yaml:"value,omitempty" json:"value,omitempty"`
	URL      string        `yaml:"url,omitempty" json:"url,omitempty"`
	Key      string        `yaml:"key,omitempty" json:"key,omitempty"`
	Optional bool          `yaml:"optional,omitempty" json:"optional,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Describe renders a step for logs without its value, which may carry a secret.
func (s Step) Describe() string {
	switch {
	case s.URL != "":
		return fmt.Sprintf("%s %s", s.Action, s.URL)
	case s.Selector != "":
		return fmt.Sprintf("%s %s", s.Action, s.Selector)
	default:
		return string(s.Action)
	}
}

// Matcher is a page signature. Every non-empty field must hold.
type Matcher struct {
	URLContains  string `yaml:"urlContains,omitempty" json:"url_contains,omitempty"`
	Selector     string `yaml:"selector,omitempty" json:"selector,omitempty"`
	TextContains string `yaml:"textContains,omitempty" json:"text_contains,omitempty"`
}

func (m Matcher) empty() bool {
	return m.URLContains == "" && m.Selector == "" && m.TextContains == ""
}

// Signatures groups matchers by the outcome they indicate.
type Signatures struct {
	Success     []Matcher `yaml:"success" json:"success"`
	OneTimeCode []Matcher `yaml:"one_time_code,omitempty" json:"one_time_code,omitempty"`
	Challenge   []Matcher `yaml:"challenge,omitempty" json:"challenge,omitempty"`
	Failure     []Matcher `yaml:"failure,omitempty" json:"failure,omitempty"`
}

// Script is the full sign-in definition for one target site.
type Script struct {
	Site         string                      `yaml:"site" json:"site"`
	Name         string                      `yaml:"name,omitempty" json:"name,omitempty"`
	LoginURL     string                      `yaml:"loginUrl" json:"login_url"`
	Steps        []Step                      `yaml:"steps" json:"steps"`
	Intervention map[InterventionType][]Step `yaml:"intervention,omitempty" json:"intervention,omitempty"`
	Signatures   Signatures                  `yaml:"signatures" json:"signatures"`
}

// Validate checks that a script is runnable.
func (s *Script) Validate() error {
	if s.Site == "" {
		return apperr.Validation("site definition missing site id")
	}
	if len(s.Steps) == 0 {
		return apperr.Validation("site %s: no steps", s.Site)
	}
	if len(s.Signatures.Success) == 0 {
		return apperr.Validation("site %s: no success signature", s.Site)
	}
	if err := validateSteps(s.Site, "steps", s.Steps); err != nil {
		return err
	}
	for typ, steps := range s.Intervention {
		if !typ.Valid() {
			return apperr.Validation("site %s: unknown intervention type %q", s.Site, typ)
		}
		if err := validateSteps(s.Site, "intervention."+string(typ), steps); err != nil {
			return err
		}
	}
	for _, group := range [][]Matcher{s.Signatures.Success, s.Signatures.OneTimeCode, s.Signatures.Challenge, s.Signatures.Failure} {
		for _, m := range group {
			if m.empty() {
				return apperr.Validation("site %s: empty signature matcher", s.Site)
			}
		}
	}
	return nil
}

func validateSteps(site, list string, steps []Step) error {
	for i, st := range steps {
		switch st.Action {
		case ActionNavigate:
			if st.URL == "" {
				return apperr.Validation("site %s: %s[%d] navigate needs url", site, list, i)
			}
		case ActionFill, ActionClick, ActionWait:
			if st.Selector == "" {
				return apperr.Validation("site %s: %s[%d] %s needs selector", site, list, i, st.Action)
			}
		case ActionPress:
			if st.Key == "" {
				return apperr.Validation("site %s: %s[%d] press needs key", site, list, i)
			}
		default:
			return apperr.Validation("site %s: %s[%d] unknown action %q", site, list, i, st.Action)
		}
	}
	return nil
}

// Vars are the substitutions available to step values.
type Vars struct {
	Username string
	Password string
	Code     string
	Answer   string
}

// Render expands {{username}}, {{password}}, {{code}} and {{answer}}.
func Render(value string, v Vars) string {
	if !strings.Contains(value, "{{") {
		return value
	}
	return strings.NewReplacer(
		"{{username}}", v.Username,
		"{{password}}", v.Password,
		"{{code}}", v.Code,
		"{{answer}}", v.Answer,
	).Replace(value)
}

// Package vocab holds the per-tenant classification vocabulary and flow policy.
//
// A Vocabulary is loaded once, compiled, and then shared read-only across conversations. It is
// injected into the classification pipeline and the flow-lock manager instead of living in a
// package-level registry.
package vocab

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// InterruptEffect declares what a high-priority interrupt does to the lock it interrupts.
type InterruptEffect string

const (
	// EffectAbort abandons the interrupted flow.
	EffectAbort InterruptEffect = "abort"
	// EffectSuspend parks the interrupted flow and resumes it when the interrupting flow completes.
	EffectSuspend InterruptEffect = "suspend"
)

// Policy defaults.
const (
	DefaultHistoryLimit        = 20
	DefaultFlowHistoryLimit    = 20
	DefaultGraceWindow         = 10 * time.Minute
	DefaultLLMTimeout          = 3 * time.Second
	DefaultMaxFieldRetries     = 2
	DefaultDataRequestCooldown = 5 * time.Minute
)

// DictionaryEntry maps a fixed multi-word phrase to an intent.
type DictionaryEntry struct {
	Phrase     string                `yaml:"phrase"`
	Intent     models.BusinessIntent `yaml:"intent"`
	Confidence float64               `yaml:"confidence"`

	normalized string
}

// PatternEntry maps a regular expression to an intent.
type PatternEntry struct {
	Name       string                `yaml:"name"`
	Pattern    string                `yaml:"pattern"`
	Intent     models.BusinessIntent `yaml:"intent"`
	Confidence float64               `yaml:"confidence"`

	re *regexp.Regexp
}

// Interrupt declares an intent that may break through an active lock.
type Interrupt struct {
	Intent   models.BusinessIntent `yaml:"intent"`
	Effect   InterruptEffect       `yaml:"effect"`
	Priority models.Priority       `yaml:"priority"`
}

// Policy holds the tunables owned by configuration.
type Policy struct {
	HistoryLimit        int                               `yaml:"history_limit"`
	FlowHistoryLimit    int                               `yaml:"flow_history_limit"`
	LockTTL             map[models.Priority]time.Duration `yaml:"lock_ttl"`
	GraceWindow         time.Duration                     `yaml:"grace_window"`
	LLMTimeout          time.Duration                     `yaml:"llm_timeout"`
	MaxFieldRetries     int                               `yaml:"max_field_retries"`
	DataRequestCooldown time.Duration                     `yaml:"data_request_cooldown"`
	OnboardingEnabled   *bool                             `yaml:"onboarding_enabled"`
}

// Vocabulary is one tenant's classification vocabulary and flow policy.
type Vocabulary struct {
	TenantID    string                                    `yaml:"tenant_id"`
	Domain      string                                    `yaml:"domain"`
	Commands    map[string]models.BusinessIntent          `yaml:"commands"`
	Dictionary  []DictionaryEntry                         `yaml:"dictionary"`
	Patterns    []PatternEntry                            `yaml:"patterns"`
	IntentFlows map[models.BusinessIntent]models.FlowType `yaml:"intent_flows"`
	Interrupts  []Interrupt                               `yaml:"interrupts"`
	Responses   map[string]string                         `yaml:"responses"`
	Channels    []string                                  `yaml:"channels"`
	Tokens      []string                                  `yaml:"tokens"`
	Policy      Policy                                    `yaml:"policy"`

	commands   map[string]models.BusinessIntent
	dictionary []DictionaryEntry
	compiled   bool
}

// Compile validates the vocabulary, fills policy defaults and prepares the lookup tables.
// A compiled vocabulary must not be mutated.
func (v *Vocabulary) Compile() error {
	if v.TenantID == "" {
		return fmt.Errorf("vocabulary without tenant_id")
	}
	v.Policy.applyDefaults()

	v.commands = make(map[string]models.BusinessIntent, len(v.Commands))
	for token, intent := range v.Commands {
		if err := checkIntent(intent); err != nil {
			return fmt.Errorf("tenant %s command %q: %w", v.TenantID, token, err)
		}
		key := Normalize(token)
		if key == "" {
			return fmt.Errorf("tenant %s: empty command token %q", v.TenantID, token)
		}
		v.commands[key] = intent
	}

	v.dictionary = make([]DictionaryEntry, 0, len(v.Dictionary))
	for _, e := range v.Dictionary {
		if err := checkIntent(e.Intent); err != nil {
			return fmt.Errorf("tenant %s phrase %q: %w", v.TenantID, e.Phrase, err)
		}
		if err := checkConfidence(e.Confidence); err != nil {
			return fmt.Errorf("tenant %s phrase %q: %w", v.TenantID, e.Phrase, err)
		}
		e.normalized = Normalize(e.Phrase)
		if e.normalized == "" {
			return fmt.Errorf("tenant %s: empty dictionary phrase", v.TenantID)
		}
		v.dictionary = append(v.dictionary, e)
	}
	// Longer phrases are more specific and win.
	sort.SliceStable(v.dictionary, func(i, j int) bool {
		return len(v.dictionary[i].normalized) > len(v.dictionary[j].normalized)
	})

	for i := range v.Patterns {
		p := &v.Patterns[i]
		if err := checkIntent(p.Intent); err != nil {
			return fmt.Errorf("tenant %s pattern %q: %w", v.TenantID, p.Name, err)
		}
		if err := checkConfidence(p.Confidence); err != nil {
			return fmt.Errorf("tenant %s pattern %q: %w", v.TenantID, p.Name, err)
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return fmt.Errorf("tenant %s pattern %q: %w", v.TenantID, p.Name, err)
		}
		p.re = re
	}

	for intent, flow := range v.IntentFlows {
		if err := checkIntent(intent); err != nil {
			return fmt.Errorf("tenant %s intent_flows: %w", v.TenantID, err)
		}
		if !flow.IsValid() {
			return fmt.Errorf("tenant %s intent_flows: unknown flow %q for %s", v.TenantID, flow, intent)
		}
	}

	for _, in := range v.Interrupts {
		if err := checkIntent(in.Intent); err != nil {
			return fmt.Errorf("tenant %s interrupts: %w", v.TenantID, err)
		}
		if in.Effect != EffectAbort && in.Effect != EffectSuspend {
			return fmt.Errorf("tenant %s interrupts: unknown effect %q for %s", v.TenantID, in.Effect, in.Intent)
		}
		if !in.Priority.IsValid() {
			return fmt.Errorf("tenant %s interrupts: invalid priority %q for %s", v.TenantID, in.Priority, in.Intent)
		}
	}

	v.compiled = true
	return nil
}

// Compiled reports whether Compile succeeded.
func (v *Vocabulary) Compiled() bool {
	return v.compiled
}

// Command returns the intent bound to a normalized command token.
func (v *Vocabulary) Command(normalized string) (models.BusinessIntent, bool) {
	intent, ok := v.commands[normalized]
	return intent, ok
}

// Phrase returns the most specific dictionary entry contained, as whole words, in normalized.
func (v *Vocabulary) Phrase(normalized string) (DictionaryEntry, bool) {
	padded := " " + normalized + " "
	for _, e := range v.dictionary {
		if strings.Contains(padded, " "+e.normalized+" ") {
			return e, true
		}
	}
	return DictionaryEntry{}, false
}

// Pattern returns the first pattern, in declaration order, matching normalized.
func (v *Vocabulary) Pattern(normalized string) (PatternEntry, bool) {
	for _, p := range v.Patterns {
		if p.re != nil && p.re.MatchString(normalized) {
			return p, true
		}
	}
	return PatternEntry{}, false
}

// FlowFor returns the flow an intent starts when no lock is active.
func (v *Vocabulary) FlowFor(intent models.BusinessIntent) models.FlowType {
	if flow, ok := v.IntentFlows[intent]; ok {
		return flow
	}
	return models.FlowGeneral
}

// InterruptFor returns the interrupt declared for intent. Only high-priority declarations interrupt.
func (v *Vocabulary) InterruptFor(intent models.BusinessIntent) (Interrupt, bool) {
	for _, in := range v.Interrupts {
		if in.Intent == intent && in.Priority == models.PriorityHigh {
			return in, true
		}
	}
	return Interrupt{}, false
}

// Response returns the template for key.
func (v *Vocabulary) Response(key string) (string, bool) {
	s, ok := v.Responses[key]
	return s, ok
}

// TTLFor returns the lock lease for a priority.
func (p Policy) TTLFor(priority models.Priority) time.Duration {
	if d, ok := p.LockTTL[priority]; ok && d > 0 {
		return d
	}
	return defaultLockTTL[priority]
}

// Onboarding reports whether first contacts start the onboarding flow.
func (p Policy) Onboarding() bool {
	return p.OnboardingEnabled == nil || *p.OnboardingEnabled
}

var defaultLockTTL = map[models.Priority]time.Duration{
	models.PriorityHigh:   30 * time.Minute,
	models.PriorityMedium: 20 * time.Minute,
	models.PriorityLow:    10 * time.Minute,
}

func (p *Policy) applyDefaults() {
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = DefaultHistoryLimit
	}
	if p.FlowHistoryLimit <= 0 {
		p.FlowHistoryLimit = DefaultFlowHistoryLimit
	}
	if p.GraceWindow <= 0 {
		p.GraceWindow = DefaultGraceWindow
	}
	if p.LLMTimeout <= 0 {
		p.LLMTimeout = DefaultLLMTimeout
	}
	if p.MaxFieldRetries <= 0 {
		p.MaxFieldRetries = DefaultMaxFieldRetries
	}
	if p.DataRequestCooldown <= 0 {
		p.DataRequestCooldown = DefaultDataRequestCooldown
	}
}

func checkIntent(intent models.BusinessIntent) error {
	_, err := models.ParseBusinessIntent(string(intent))
	return err
}

func checkConfidence(c float64) error {
	if c <= 0 || c > 1 {
		return fmt.Errorf("confidence %v outside (0,1]", c)
	}
	return nil
}

// Package classifier turns an inbound message into exactly one IntentDetectionResult by trying an
// ordered chain of layers: command, dictionary, regex and finally an optional LLM collaborator.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// ClassifyContext is what the LLM collaborator may know about the conversation.
type ClassifyContext struct {
	Labels     []string
	Domain     string
	ActiveFlow models.FlowType
	Step       models.FlowStep
}

// LLMResult is the collaborator's raw answer. Label has not been validated.
type LLMResult struct {
	Label      string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// IntentClassifier is the LLM collaborator.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, cc ClassifyContext) (LLMResult, error)
}

// Input is one message to classify.
type Input struct {
	Text       string
	Vocabulary *vocab.Vocabulary
	Context    *models.ConversationContext
	// SkipLLM disables the LLM layer, e.g. while free-form data-collection input is awaited.
	SkipLLM bool
}

// Match is a layer hit.
type Match struct {
	Intent     models.BusinessIntent
	Confidence float64
	Pattern    string
	TimedOut   bool
}

// Layer is one stage of the pipeline.
type Layer interface {
	Method() models.DecisionMethod
	Match(ctx context.Context, in Input, normalized string) (Match, bool)
}

// Pipeline runs the layers in order and stops at the first match.
type Pipeline struct {
	layers []Layer
	now    func() time.Time
}

// Opts holds configuration for a Pipeline.
type Opts struct {
	LLM   IntentClassifier
	Clock func() time.Time
}

// Option configures a Pipeline.
type Option func(*Opts)

// WithLLM appends the LLM layer backed by c.
func WithLLM(c IntentClassifier) Option {
	return func(o *Opts) { o.LLM = c }
}

// WithClock overrides the clock used to measure processing time.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// New builds the command → dictionary → regex [→ LLM] pipeline.
func New(opts ...Option) *Pipeline {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Pipeline{
		layers: []Layer{CommandLayer{}, DictionaryLayer{}, RegexLayer{}},
		now:    cfg.Clock,
	}
	if cfg.LLM != nil {
		p.layers = append(p.layers, &LLMLayer{client: cfg.LLM})
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Layers returns the layer chain in evaluation order.
func (p *Pipeline) Layers() []Layer {
	return p.layers
}

// Classify returns exactly one result. No layer matching yields a null intent with method none.
func (p *Pipeline) Classify(ctx context.Context, in Input) models.IntentDetectionResult {
	start := p.now()
	normalized := vocab.Normalize(in.Text)
	res := models.IntentDetectionResult{
		Method: models.MethodNone,
		Metadata: models.DetectionMetadata{
			RawInput:        in.Text,
			NormalizedInput: normalized,
		},
	}
	if in.Context != nil && in.Context.FlowLock != nil {
		res.ActiveFlow = in.Context.FlowLock.ActiveFlow
	}
	if normalized == "" || in.Vocabulary == nil {
		res.Metadata.ProcessingTime = p.now().Sub(start)
		return res
	}

	for _, layer := range p.layers {
		m, ok := layer.Match(ctx, in, normalized)
		if m.TimedOut {
			res.Metadata.ClassificationTimeout = true
		}
		if !ok {
			continue
		}
		res.Intent = m.Intent
		res.Confidence = m.Confidence
		res.Method = layer.Method()
		res.Metadata.MatchedLayer = layer.Method()
		res.Metadata.Pattern = m.Pattern
		break
	}
	res.Metadata.ProcessingTime = p.now().Sub(start)
	slog.Debug("Pipeline.Classify", "intent", res.Intent, "method", res.Method, "confidence", res.Confidence,
		"pattern", res.Metadata.Pattern, "timeout", res.Metadata.ClassificationTimeout)
	return res
}

// CommandLayer matches the whole normalized message against command tokens.
type CommandLayer struct{}

// Method implements Layer.
func (CommandLayer) Method() models.DecisionMethod { return models.MethodCommand }

// Match implements Layer.
func (CommandLayer) Match(_ context.Context, in Input, normalized string) (Match, bool) {
	intent, ok := in.Vocabulary.Command(normalized)
	if !ok {
		return Match{}, false
	}
	return Match{Intent: intent, Confidence: 1.0, Pattern: normalized}, true
}

// DictionaryLayer matches fixed phrases.
type DictionaryLayer struct{}

// Method implements Layer.
func (DictionaryLayer) Method() models.DecisionMethod { return models.MethodDictionary }

// Match implements Layer.
func (DictionaryLayer) Match(_ context.Context, in Input, normalized string) (Match, bool) {
	e, ok := in.Vocabulary.Phrase(normalized)
	if !ok {
		return Match{}, false
	}
	return Match{Intent: e.Intent, Confidence: e.Confidence, Pattern: e.Phrase}, true
}

// RegexLayer matches compiled pattern families in declaration order.
type RegexLayer struct{}

// Method implements Layer.
func (RegexLayer) Method() models.DecisionMethod { return models.MethodRegex }

// Match implements Layer.
func (RegexLayer) Match(_ context.Context, in Input, normalized string) (Match, bool) {
	p, ok := in.Vocabulary.Pattern(normalized)
	if !ok {
		return Match{}, false
	}
	return Match{Intent: p.Intent, Confidence: p.Confidence, Pattern: p.Name}, true
}

// LLMLayer asks the collaborator under the tenant's timeout. Failures degrade to no match.
type LLMLayer struct {
	client IntentClassifier
}

// Method implements Layer.
func (*LLMLayer) Method() models.DecisionMethod { return models.MethodLLM }

// Match implements Layer.
func (l *LLMLayer) Match(ctx context.Context, in Input, _ string) (Match, bool) {
	if in.SkipLLM || l.client == nil {
		return Match{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, in.Vocabulary.Policy.LLMTimeout)
	defer cancel()

	cc := ClassifyContext{Labels: intentLabels(), Domain: in.Vocabulary.Domain}
	if in.Context != nil && in.Context.FlowLock != nil {
		cc.ActiveFlow = in.Context.FlowLock.ActiveFlow
		cc.Step = in.Context.FlowLock.Step
	}

	out, err := l.client.Classify(ctx, in.Text, cc)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		slog.Warn("LLMLayer.Match: classification failed, degrading to no match", "error", err, "timeout", timedOut)
		return Match{TimedOut: timedOut}, false
	}
	intent, err := models.ParseBusinessIntent(out.Label)
	if err != nil {
		slog.Warn("LLMLayer.Match: rejected label", "label", out.Label, "error", err)
		return Match{}, false
	}
	conf := out.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}
	return Match{Intent: intent, Confidence: conf, Pattern: out.Label}, true
}

func intentLabels() []string {
	intents := models.BusinessIntents()
	labels := make([]string, 0, len(intents))
	for _, i := range intents {
		labels = append(labels, string(i))
	}
	return labels
}

package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// Collector runs the progressive data-collection sub-flow. It is stateless; progress lives in the
// conversation's DataCollection bookkeeping and the lock's CollectionData payload.
type Collector struct {
	now func() time.Time
}

// NewCollector creates a Collector. now bounds birth-date validation and defaults to time.Now.
func NewCollector(now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{now: now}
}

// CollectResult reports what one collection turn did.
type CollectResult struct {
	State     models.CollectionState
	Accepted  bool
	Done      bool
	Escalated bool
	Marker    models.SystemFlowState
	Profile   *models.CollectedProfile
}

type collectionStep struct {
	state    models.CollectionState
	field    models.DataField
	optional bool
}

var collectionOrder = []collectionStep{
	{state: models.CollectionNeedName, field: models.FieldName},
	{state: models.CollectionNeedEmail, field: models.FieldEmail},
	{state: models.CollectionNeedGender, field: models.FieldGender},
	{state: models.CollectionAskConsent},
	{state: models.CollectionNeedBirthDate, field: models.FieldBirthDate, optional: true},
	{state: models.CollectionNeedAddress, field: models.FieldAddress, optional: true},
}

// RequiredFields are collected before optional data is offered.
var RequiredFields = []models.DataField{models.FieldName, models.FieldEmail, models.FieldGender}

// ProfileComplete reports whether every required field is known.
func ProfileComplete(dc *models.DataCollection) bool {
	for _, f := range RequiredFields {
		if !dc.IsKnown(f) {
			return false
		}
	}
	return true
}

// Begin positions the sub-flow on the first field still needed, resuming an interrupted state.
func (c *Collector) Begin(cc *models.ConversationContext, lock *models.FlowLock, now time.Time) CollectResult {
	dc := &cc.DataCollection
	lock.Collection()
	dc.Retries = 0
	from := dc.State
	switch {
	case from == models.CollectionNone || from == models.CollectionComplete:
		dc.Declined = false
		dc.State = nextCollectionState(dc, models.CollectionNone)
	case fieldFor(from) != "" && dc.IsKnown(fieldFor(from)):
		dc.State = nextCollectionState(dc, from)
	}
	return c.settle(cc, lock, now, CollectResult{Accepted: true})
}

// Step consumes one message for the current collection state.
func (c *Collector) Step(cc *models.ConversationContext, lock *models.FlowLock, intent models.BusinessIntent, text string, now time.Time, policy vocab.Policy) CollectResult {
	dc := &cc.DataCollection
	data := lock.Collection()
	at := now
	dc.LastAttemptAt = &at

	var res CollectResult
	accepted := false
	switch dc.State {
	case models.CollectionNeedName:
		if name, ok := ExtractName(text); ok {
			data.Name = name
			data.InferredGender = InferGender(name)
			accepted = true
		}
	case models.CollectionNeedEmail:
		if email, ok := ExtractEmail(text); ok {
			data.Email = email
			accepted = true
		}
	case models.CollectionNeedGender:
		if g, ok := ParseGender(text); ok {
			data.Gender = g
			accepted = true
		} else if intent == models.IntentConfirm && data.InferredGender != "" {
			data.Gender = data.InferredGender
			accepted = true
		}
	case models.CollectionAskConsent:
		switch intent {
		case models.IntentConfirm:
			dc.Retries = 0
			dc.State = nextCollectionState(dc, models.CollectionAskConsent)
			return c.settle(cc, lock, now, CollectResult{Accepted: true})
		case models.IntentDeny:
			dc.Retries = 0
			dc.Declined = true
			dc.State = models.CollectionComplete
			return c.settle(cc, lock, now, CollectResult{Accepted: true, Marker: models.SystemOptionalDataDeclined})
		}
	case models.CollectionNeedBirthDate:
		if intent == models.IntentDeny {
			return c.skip(cc, lock, now)
		}
		if d, ok := ParseBirthDate(text, c.now()); ok {
			data.BirthDate = d
			accepted = true
		}
	case models.CollectionNeedAddress:
		if intent == models.IntentDeny {
			return c.skip(cc, lock, now)
		}
		if a, ok := ExtractAddress(text); ok {
			data.Address = a
			accepted = true
		}
	default:
		dc.State = nextCollectionState(dc, models.CollectionNone)
		return c.settle(cc, lock, now, CollectResult{})
	}

	if !accepted {
		dc.Retries++
		res.State = dc.State
		if dc.Retries > policy.MaxFieldRetries {
			res.Escalated = true
			res.Marker = models.SystemClarification
			dc.AwaitingInput = false
		}
		return res
	}

	dc.MarkKnown(fieldFor(dc.State))
	dc.LastSuccessAt = &at
	dc.Retries = 0
	dc.State = nextCollectionState(dc, dc.State)
	res.Accepted = true
	return c.settle(cc, lock, now, res)
}

func (c *Collector) skip(cc *models.ConversationContext, lock *models.FlowLock, now time.Time) CollectResult {
	dc := &cc.DataCollection
	dc.Retries = 0
	dc.State = nextCollectionState(dc, dc.State)
	return c.settle(cc, lock, now, CollectResult{Accepted: true})
}

// settle fills the awaited fields and, on completion, the collected profile.
func (c *Collector) settle(cc *models.ConversationContext, lock *models.FlowLock, now time.Time, res CollectResult) CollectResult {
	dc := &cc.DataCollection
	res.State = dc.State
	if dc.State == models.CollectionComplete {
		dc.AwaitingInput = false
		dc.AwaitingFields = nil
		data := lock.Collection()
		res.Done = true
		res.Profile = &models.CollectedProfile{
			Name:      data.Name,
			Email:     data.Email,
			Gender:    data.Gender,
			BirthDate: data.BirthDate,
			Address:   data.Address,
			Declined:  dc.Declined,
		}
		return res
	}
	dc.AwaitingInput = true
	if f := fieldFor(dc.State); f != "" {
		dc.AwaitingFields = []models.DataField{f}
	} else {
		dc.AwaitingFields = nil
	}
	return res
}

// nextCollectionState walks forward from from, skipping known fields. The consent question is
// skipped when optional data was declined or is already known.
func nextCollectionState(dc *models.DataCollection, from models.CollectionState) models.CollectionState {
	start := 0
	if from != models.CollectionNone {
		for i, s := range collectionOrder {
			if s.state == from {
				start = i + 1
				break
			}
		}
	}
	for _, s := range collectionOrder[start:] {
		switch {
		case s.state == models.CollectionAskConsent:
			if dc.Declined || (dc.IsKnown(models.FieldBirthDate) && dc.IsKnown(models.FieldAddress)) {
				continue
			}
			return s.state
		case s.optional && dc.Declined:
			continue
		case dc.IsKnown(s.field):
			continue
		default:
			return s.state
		}
	}
	return models.CollectionComplete
}

func fieldFor(state models.CollectionState) models.DataField {
	for _, s := range collectionOrder {
		if s.state == state {
			return s.field
		}
	}
	return ""
}

var (
	namePrefixRe = regexp.MustCompile(`(?i)(?:^|\s)(?:meu nome (?:é|e)\s+|me chamo\s+|nome\s*:\s*|sou\s+(?:o\s+|a\s+)?)(.+)$`)
	nameJunkRe   = regexp.MustCompile(`\b(obrigad[ao]|valeu|tchau|por favor|como vai|tudo bem|oi|ola|bom dia|boa tarde|boa noite|sim|nao|ok|cliente|quero|agendar)\b`)
	emailRe      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	dmyRe        = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})\b`)
	isoRe        = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	longDateRe   = regexp.MustCompile(`\b(\d{1,2}) de ([a-z]+) de (\d{4})\b`)
	addressRe    = regexp.MustCompile(`\b(rua|r\.|av|av\.|avenida|alameda|travessa|praca|rodovia|estrada|bairro|vila|jardim|centro|moro)\b`)
)

var monthNames = map[string]time.Month{
	"janeiro": time.January, "fevereiro": time.February, "marco": time.March, "abril": time.April,
	"maio": time.May, "junho": time.June, "julho": time.July, "agosto": time.August,
	"setembro": time.September, "outubro": time.October, "novembro": time.November, "dezembro": time.December,
}

// ExtractName accepts "meu nome é X", "me chamo X", "sou X" or a bare name.
func ExtractName(text string) (string, bool) {
	candidate := strings.TrimSpace(text)
	if m := namePrefixRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	candidate = strings.Trim(candidate, ".,!?;: ")
	candidate = strings.Join(strings.Fields(candidate), " ")
	if candidate == "" || len([]rune(candidate)) > 60 {
		return "", false
	}
	letters := 0
	for _, r := range candidate {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == ' ' || r == '\'' || r == '-' || r == '.':
		default:
			return "", false
		}
	}
	if letters < 2 || len(strings.Fields(candidate)) > 6 {
		return "", false
	}
	if nameJunkRe.MatchString(vocab.Normalize(candidate)) {
		return "", false
	}
	return candidate, true
}

// ExtractEmail validates and lowercases an address, also accepting one embedded in a sentence.
func ExtractEmail(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,;:!?()<>\"'")
		if emailRe.MatchString(tok) {
			return strings.ToLower(tok), true
		}
	}
	return "", false
}

// ParseGender maps an answer to masculino, feminino or outro.
func ParseGender(text string) (string, bool) {
	switch vocab.Normalize(text) {
	case "masculino", "m", "homem", "ele":
		return "masculino", true
	case "feminino", "f", "mulher", "ela":
		return "feminino", true
	case "outro", "o", "outros", "nao binario", "prefiro nao dizer":
		return "outro", true
	}
	return "", false
}

// InferGender guesses from the first name's ending; empty when unknown.
func InferGender(name string) string {
	fields := strings.Fields(vocab.Normalize(name))
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	switch {
	case strings.HasSuffix(first, "a"):
		return "feminino"
	case strings.HasSuffix(first, "o"):
		return "masculino"
	}
	return ""
}

// ParseBirthDate accepts d/m/yyyy (with / - or . separators), yyyy-mm-dd and "12 de março de 1990".
// The result is a real calendar date between 1900 and today, formatted YYYY-MM-DD.
func ParseBirthDate(text string, now time.Time) (string, bool) {
	s := vocab.Normalize(text)
	var y, m, d int
	switch {
	case isoRe.MatchString(s):
		g := isoRe.FindStringSubmatch(s)
		y, m, d = atoi(g[1]), atoi(g[2]), atoi(g[3])
	case dmyRe.MatchString(s):
		g := dmyRe.FindStringSubmatch(s)
		d, m, y = atoi(g[1]), atoi(g[2]), atoi(g[3])
	case longDateRe.MatchString(s):
		g := longDateRe.FindStringSubmatch(s)
		month, ok := monthNames[g[2]]
		if !ok {
			return "", false
		}
		d, m, y = atoi(g[1]), int(month), atoi(g[3])
	default:
		return "", false
	}
	if y < 1900 || y > now.Year() || m < 1 || m > 12 || d < 1 || d > 31 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || t.Month() != time.Month(m) {
		return "", false
	}
	if t.After(now) {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d), true
}

// ExtractAddress accepts text with a street keyword, or any answer of five or more characters with letters.
func ExtractAddress(text string) (string, bool) {
	a := strings.Join(strings.Fields(text), " ")
	if addressRe.MatchString(vocab.Normalize(a)) {
		return a, true
	}
	if len([]rune(a)) < 5 {
		return "", false
	}
	for _, r := range a {
		if unicode.IsLetter(r) {
			return a, true
		}
	}
	return "", false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

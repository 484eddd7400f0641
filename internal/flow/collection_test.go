package flow

import (
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Maria Silva", "Maria Silva", true},
		{"meu nome é João Pereira", "João Pereira", true},
		{"me chamo Ana.", "Ana", true},
		{"sou a Beatriz", "Beatriz", true},
		{"Nome: Carlos", "Carlos", true},
		{"Sousa", "Sousa", true},
		{"oi", "", false},
		{"12345", "", false},
		{"x", "", false},
		{"quero agendar", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractName(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractName(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Maria@Example.com", "maria@example.com", true},
		{"meu email é joao@mail.com.br.", "joao@mail.com.br", true},
		{"joao@", "", false},
		{"não tenho", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractEmail(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractEmail(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseAndInferGender(t *testing.T) {
	if g, ok := ParseGender("Feminino"); !ok || g != "feminino" {
		t.Errorf("Expected feminino, got %q %v", g, ok)
	}
	if g, ok := ParseGender("M"); !ok || g != "masculino" {
		t.Errorf("Expected masculino, got %q %v", g, ok)
	}
	if _, ok := ParseGender("talvez"); ok {
		t.Error("Expected unknown answer to be rejected")
	}
	if g := InferGender("Júlia Souza"); g != "feminino" {
		t.Errorf("Expected feminino, got %q", g)
	}
	if g := InferGender("Paulo"); g != "masculino" {
		t.Errorf("Expected masculino, got %q", g)
	}
	if g := InferGender("Noel"); g != "" {
		t.Errorf("Expected no inference, got %q", g)
	}
}

func TestParseBirthDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"12/03/1990", "1990-03-12", true},
		{"nasci em 1.2.1985", "1985-02-01", true},
		{"1990-03-12", "1990-03-12", true},
		{"12 de março de 1990", "1990-03-12", true},
		{"31/02/1990", "", false},
		{"01/01/1850", "", false},
		{"01/01/2030", "", false},
		{"ontem", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseBirthDate(tt.in, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseBirthDate(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	if a, ok := ExtractAddress("Rua das Flores, 123"); !ok || a != "Rua das Flores, 123" {
		t.Errorf("Expected street address, got %q %v", a, ok)
	}
	if _, ok := ExtractAddress("123"); ok {
		t.Error("Expected short numeric answer to be rejected")
	}
}

func TestNextCollectionStateSkipsKnownFields(t *testing.T) {
	dc := &models.DataCollection{}
	dc.MarkKnown(models.FieldName)
	dc.MarkKnown(models.FieldEmail)
	if got := nextCollectionState(dc, models.CollectionNone); got != models.CollectionNeedGender {
		t.Errorf("Expected gender next, got %s", got)
	}
	dc.MarkKnown(models.FieldGender)
	if got := nextCollectionState(dc, models.CollectionNone); got != models.CollectionAskConsent {
		t.Errorf("Expected consent next, got %s", got)
	}
	dc.Declined = true
	if got := nextCollectionState(dc, models.CollectionNone); got != models.CollectionComplete {
		t.Errorf("Expected completion once optional data is declined, got %s", got)
	}
}

func TestCollectorOptionalFields(t *testing.T) {
	col := NewCollector(func() time.Time { return testNow })
	v := testVocab(t)
	c := returningContext()
	lock, _ := models.NewFlowLock(models.FlowReturningUser, models.PriorityMedium, testNow, time.Hour)

	res := col.Begin(c, lock, testNow)
	if res.State != models.CollectionAskConsent {
		t.Fatalf("Expected consent question for a complete profile, got %s", res.State)
	}
	res = col.Step(c, lock, models.IntentConfirm, "sim", testNow, v.Policy)
	if res.State != models.CollectionNeedBirthDate {
		t.Fatalf("Expected birth date after consent, got %s", res.State)
	}
	res = col.Step(c, lock, models.IntentNone, "05/08/1992", testNow, v.Policy)
	if !res.Accepted || res.State != models.CollectionNeedAddress {
		t.Fatalf("Expected address after birth date, got %+v", res)
	}
	res = col.Step(c, lock, models.IntentDeny, "não", testNow, v.Policy)
	if !res.Done {
		t.Fatalf("Expected skipping the last optional field to finish, got %+v", res)
	}
	if res.Profile.BirthDate != "1992-08-05" || res.Profile.Address != "" {
		t.Errorf("Unexpected profile %+v", res.Profile)
	}
	if !c.DataCollection.IsKnown(models.FieldBirthDate) {
		t.Error("Expected birth date to be marked known")
	}
}

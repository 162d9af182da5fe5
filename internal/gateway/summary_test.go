package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/estatebuddy/estatevoice/internal/crm"
)

// summaryJSON is a model extraction for a short consultation.
const summaryJSON = `{
	"person_name": "Jordan Reyes",
	"flat_specification": "2BHK",
	"facing_preference": "East",
	"interest_level": "High",
	"period_to_buy": "Within 3 months",
	"responsibility": "Agent Sam",
	"key_action_points": "Arrange a site visit this week",
	"preferred_floor": "High floor",
	"conversation_summary": "Jordan is looking for an east-facing 2BHK near the marina and wants to buy within three months.",
	"sentiment_topics": "pricing (positive), availability (neutral)"
}`

func TestSummarize_ExtractsStructuredFields(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion(summaryJSON)}}
	a := newTestAssistant(fc, &fakeStore{})

	s, err := a.Summarize(context.Background(), "agent: hello\ncustomer: I'm Jordan, looking for a 2BHK")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.PersonName != "Jordan Reyes" || s.FlatSpecification != "2BHK" || s.InterestLevel != "High" {
		t.Errorf("summary = %+v", s)
	}
	if !strings.Contains(s.ConversationSummary, "marina") {
		t.Errorf("conversation_summary = %q", s.ConversationSummary)
	}

	params := fc.calls[0]
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("completion not requested in JSON mode")
	}
	if got := params.Temperature.Value; got != summaryTemperature {
		t.Errorf("temperature = %v", got)
	}
	if len(params.Tools) != 0 {
		t.Errorf("tools advertised on a summary completion: %d", len(params.Tools))
	}
	user := params.Messages[1].OfUser
	if user == nil {
		t.Fatal("second message is not a user message")
	}
	if got := user.Content.OfString.Value; !strings.Contains(got, "I'm Jordan") {
		t.Errorf("transcript missing from prompt: %q", got)
	}
}

func TestSummarize_EmptyTranscriptRejected(t *testing.T) {
	a := newTestAssistant(&fakeCompleter{}, &fakeStore{})
	if _, err := a.Summarize(context.Background(), "   \n"); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestSummarize_MalformedJSONRejected(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion("Sure! Here is the summary you asked for.")}}
	a := newTestAssistant(fc, &fakeStore{})
	if _, err := a.Summarize(context.Background(), "transcript"); err == nil {
		t.Fatal("expected error for non-JSON summary content")
	}
}

func TestSummarize_DefaultsInterestLevel(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion(`{"person_name":"Sam"}`)}}
	a := newTestAssistant(fc, &fakeStore{})

	s, err := a.Summarize(context.Background(), "transcript")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.InterestLevel != "Medium" {
		t.Errorf("interest_level = %q, want Medium", s.InterestLevel)
	}
}

func TestCaptureLead_FilesProspect(t *testing.T) {
	store := &fakeStore{}
	a := newTestAssistant(&fakeCompleter{}, store)

	s := &Summary{
		PersonName:          "Jordan Reyes",
		FlatSpecification:   "2BHK",
		InterestLevel:       "High",
		ConversationSummary: "Wants an east-facing 2BHK.",
	}
	if err := a.CaptureLead(context.Background(), "lead-7", s); err != nil {
		t.Fatalf("CaptureLead: %v", err)
	}

	if len(store.createdLeads) != 1 {
		t.Fatalf("leads created = %d", len(store.createdLeads))
	}
	lead := store.createdLeads[0]
	if lead.ID != "lead-7" || lead.FullName != "Jordan Reyes" || lead.PropertyType != "2BHK" {
		t.Errorf("lead = %+v", lead)
	}
	if lead.IntentLevel != crm.IntentHigh {
		t.Errorf("intent = %q", lead.IntentLevel)
	}
	if lead.ConversionProbability.ThreeMonths != 0.7 || lead.ConversionProbability.NineMonths != 0.95 {
		t.Errorf("conversion probability = %+v", lead.ConversionProbability)
	}
	if lead.Summary != "Wants an east-facing 2BHK." {
		t.Errorf("summary = %q", lead.Summary)
	}
}

func TestCaptureLead_SkipsAnonymousSummary(t *testing.T) {
	store := &fakeStore{}
	a := newTestAssistant(&fakeCompleter{}, store)

	if err := a.CaptureLead(context.Background(), "lead-7", &Summary{InterestLevel: "Low"}); err != nil {
		t.Fatalf("CaptureLead: %v", err)
	}
	if len(store.createdLeads) != 0 {
		t.Errorf("lead created from a summary with no customer name")
	}
}

func TestCaptureLead_UnknownInterestFoldsToMedium(t *testing.T) {
	store := &fakeStore{}
	a := newTestAssistant(&fakeCompleter{}, store)

	s := &Summary{PersonName: "Sam", InterestLevel: "Very keen"}
	if err := a.CaptureLead(context.Background(), "lead-8", s); err != nil {
		t.Fatalf("CaptureLead: %v", err)
	}
	if got := store.createdLeads[0].IntentLevel; got != crm.IntentMedium {
		t.Errorf("intent = %q, want medium", got)
	}
}

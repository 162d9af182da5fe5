package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/estatebuddy/estatevoice/internal/crm"
)

// summarySystemPrompt frames the extraction task for the model.
const summarySystemPrompt = "You are a real estate data extraction assistant. Extract structured information from conversation transcripts and return valid JSON only."

// summaryPrompt is the extraction instruction; the transcript is appended
// to it verbatim.
const summaryPrompt = `Analyze the following real estate consultation transcript and extract structured information.

Return a JSON object with the following fields:
- person_name: string (customer's name, empty if not mentioned)
- flat_specification: string (e.g., "2BHK", "3BHK", "4BHK")
- facing_preference: string (e.g., "North", "East", "South", "West")
- interest_level: string (one of: "Low", "Medium", "High")
- period_to_buy: string (e.g., "Within 3 months", "6 months", "1 year")
- responsibility: string (agent or staff member handling this)
- key_action_points: string (important follow-up actions)
- preferred_floor: string (e.g., "Ground floor", "5-10", "High floor")
- conversation_summary: string (3-5 sentence summary of the entire conversation)
- sentiment_topics: string (main topics and sentiment analysis)

Transcript:
`

// summaryTemperature keeps the extraction deterministic-ish; creative
// paraphrase is unwanted here.
const summaryTemperature = 0.3

// Summary is the structured digest of one finished consultation, as the
// sales team sees it.
type Summary struct {
	PersonName          string `json:"person_name"`
	FlatSpecification   string `json:"flat_specification"`
	FacingPreference    string `json:"facing_preference"`
	InterestLevel       string `json:"interest_level"`
	PeriodToBuy         string `json:"period_to_buy"`
	Responsibility      string `json:"responsibility"`
	KeyActionPoints     string `json:"key_action_points"`
	PreferredFloor      string `json:"preferred_floor"`
	ConversationSummary string `json:"conversation_summary"`
	SentimentTopics     string `json:"sentiment_topics"`
}

// Summarize extracts a [Summary] from a raw conversation transcript using
// a single JSON-mode completion. The transcript is taken as-is; callers
// usually join the turn log with speaker prefixes.
func (a *Assistant) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("gateway: transcript must not be empty")
	}

	resp, err := a.completer.Complete(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summarySystemPrompt),
			oai.UserMessage(summaryPrompt + transcript),
		},
		Temperature: param.NewOpt(summaryTemperature),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: summary completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("gateway: empty choices in summary response")
	}

	var s Summary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &s); err != nil {
		return nil, fmt.Errorf("gateway: parse summary JSON: %w", err)
	}
	if s.InterestLevel == "" {
		s.InterestLevel = "Medium"
	}
	return &s, nil
}

// CaptureLead records the summarized prospect in the CRM under leadID. A
// summary with no customer name is skipped; there is nothing for an agent
// to follow up on.
func (a *Assistant) CaptureLead(ctx context.Context, leadID string, s *Summary) error {
	if s.PersonName == "" {
		return nil
	}
	lead := &crm.Lead{
		ID:                    leadID,
		FullName:              s.PersonName,
		PropertyType:          s.FlatSpecification,
		IntentLevel:           intentFromInterest(s.InterestLevel),
		ConversionProbability: conversionFromInterest(s.InterestLevel),
		Stage:                 "New",
		Summary:               s.ConversationSummary,
	}
	if err := a.store.CreateLead(ctx, lead); err != nil {
		return fmt.Errorf("gateway: capture lead: %w", err)
	}
	slog.Info("lead captured from summary", "lead_id", lead.ID, "intent", lead.IntentLevel)
	return nil
}

// intentFromInterest folds the model's free-text interest level into the
// CRM's intent buckets. Anything unrecognized lands on medium.
func intentFromInterest(level string) crm.IntentLevel {
	switch strings.ToLower(level) {
	case "low":
		return crm.IntentLow
	case "high":
		return crm.IntentHigh
	default:
		return crm.IntentMedium
	}
}

// conversionFromInterest maps the coarse interest level onto closing-odds
// estimates per horizon.
func conversionFromInterest(level string) crm.ConversionProbability {
	switch level {
	case "High":
		return crm.ConversionProbability{ThreeMonths: 0.7, SixMonths: 0.85, NineMonths: 0.95}
	case "Medium":
		return crm.ConversionProbability{ThreeMonths: 0.4, SixMonths: 0.6, NineMonths: 0.75}
	default:
		return crm.ConversionProbability{ThreeMonths: 0.2, SixMonths: 0.35, NineMonths: 0.5}
	}
}

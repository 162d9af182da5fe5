package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/metric"

	"github.com/estatebuddy/estatevoice/internal/crm"
	"github.com/estatebuddy/estatevoice/internal/observe"
)

// Tool names the assistant may call. The double underscore separates the
// backend system from the operation.
const (
	toolQuery       = "estate_db__query"
	toolCreateLead  = "estate_crm__create_lead"
	toolLogActivity = "estate_crm__log_activity"
)

// assistantTools returns the tool definitions advertised to the model.
func assistantTools() []oai.ChatCompletionToolParam {
	return []oai.ChatCompletionToolParam{
		{
			Function: shared.FunctionDefinitionParam{
				Name:        toolQuery,
				Description: param.NewOpt("Query properties and property FAQs from the real-estate database. Use this for any questions about listings, prices, amenities, availability, or location."),
				Parameters: shared.FunctionParameters(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"intent": map[string]any{
							"type":        "string",
							"description": "The user's intent: search_property, property_details, faq, or general_inquiry",
							"enum":        []string{"search_property", "property_details", "faq", "general_inquiry"},
						},
						"name": map[string]any{
							"type":        "string",
							"description": "Property name to search for (partial match supported)",
						},
						"location": map[string]any{
							"type":        "string",
							"description": "Location to filter by",
						},
						"filters": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"unit_type": map[string]any{
									"type":        "string",
									"description": `Unit type filter (e.g., "1BHK", "2BHK", "3BHK")`,
								},
								"max_price": map[string]any{
									"type":        "number",
									"description": "Maximum price filter",
								},
								"amenities": map[string]any{
									"type":        "array",
									"items":       map[string]any{"type": "string"},
									"description": "Required amenities",
								},
							},
						},
					},
					"required": []string{"intent"},
				}),
			},
		},
		{
			Function: shared.FunctionDefinitionParam{
				Name:        toolCreateLead,
				Description: param.NewOpt("Create a new lead in the CRM when sufficient information is gathered. Use when the user shows clear buying intent."),
				Parameters: shared.FunctionParameters(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"full_name":          map[string]any{"type": "string", "description": "Lead full name"},
						"phone":              map[string]any{"type": "string", "description": "Phone number"},
						"email":              map[string]any{"type": "string", "description": "Email address"},
						"property_type":      map[string]any{"type": "string", "description": "Interested property type"},
						"preferred_location": map[string]any{"type": "string", "description": "Preferred location"},
						"budget":             map[string]any{"type": "number", "description": "Budget amount"},
						"intent_level": map[string]any{
							"type":        "string",
							"enum":        []string{"low", "medium", "high"},
							"description": "Assess intent: low=browsing, medium=considering, high=ready to buy",
						},
						"conversion_probability": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"3m": map[string]any{"type": "number", "description": "3-month conversion probability (0-1)"},
								"6m": map[string]any{"type": "number", "description": "6-month conversion probability (0-1)"},
								"9m": map[string]any{"type": "number", "description": "9-month conversion probability (0-1)"},
							},
							"required": []string{"3m", "6m", "9m"},
						},
						"summary": map[string]any{
							"type":        "string",
							"description": "Brief summary of the conversation and lead details",
						},
					},
					"required": []string{"intent_level", "conversion_probability", "summary"},
				}),
			},
		},
		{
			Function: shared.FunctionDefinitionParam{
				Name:        toolLogActivity,
				Description: param.NewOpt("Log an activity (note/task/status) for an existing lead."),
				Parameters: shared.FunctionParameters(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"lead_id": map[string]any{"type": "string", "description": "The lead ID to log activity for"},
						"type": map[string]any{
							"type":        "string",
							"enum":        []string{"note", "task", "status"},
							"description": "Activity type",
						},
						"message": map[string]any{"type": "string", "description": "Activity message"},
						"due_at":  map[string]any{"type": "string", "description": "Due date for tasks (ISO 8601 format)"},
					},
					"required": []string{"lead_id", "type", "message"},
				}),
			},
		},
	}
}

// queryArgs are the arguments of the estate_db__query tool.
type queryArgs struct {
	Intent   string `json:"intent"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Filters  struct {
		UnitType  string   `json:"unit_type"`
		MaxPrice  float64  `json:"max_price"`
		Amenities []string `json:"amenities"`
	} `json:"filters"`
}

// propertyResult is the wire shape of one search hit.
type propertyResult struct {
	Name         string `json:"name"`
	Location     string `json:"location"`
	UnitTypes    string `json:"unit_types"`
	BasePrice    int64  `json:"base_price"`
	Amenities    string `json:"amenities"`
	Highlights   string `json:"highlights"`
	Availability string `json:"availability"`
}

type createLeadArgs struct {
	FullName              string                    `json:"full_name"`
	Phone                 string                    `json:"phone"`
	Email                 string                    `json:"email"`
	PropertyType          string                    `json:"property_type"`
	PreferredLocation     string                    `json:"preferred_location"`
	Budget                float64                   `json:"budget"`
	IntentLevel           string                    `json:"intent_level"`
	ConversionProbability crm.ConversionProbability `json:"conversion_probability"`
	Summary               string                    `json:"summary"`
}

type logActivityArgs struct {
	LeadID  string `json:"lead_id"`
	Type    string `json:"type"`
	Message string `json:"message"`
	DueAt   string `json:"due_at"`
}

// dispatchTool executes one tool call against the store. Failures are
// reported back to the model as an error payload rather than an error
// return, so the model can recover in-conversation.
func (a *Assistant) dispatchTool(ctx context.Context, name, rawArgs string) string {
	start := time.Now()
	out, err := a.runTool(ctx, name, rawArgs)

	if a.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name)))
		a.metrics.RecordToolCall(ctx, name, status)
	}

	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(payload)
	}
	return out
}

func (a *Assistant) runTool(ctx context.Context, name, rawArgs string) (string, error) {
	switch name {
	case toolQuery:
		var args queryArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		return a.queryProperties(ctx, args)

	case toolCreateLead:
		var args createLeadArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		return a.createLead(ctx, args)

	case toolLogActivity:
		var args logActivityArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		return a.logActivity(ctx, args)

	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (a *Assistant) queryProperties(ctx context.Context, args queryArgs) (string, error) {
	props, err := a.store.SearchProperties(ctx, crm.Query{
		Name:     args.Name,
		Location: args.Location,
		MaxPrice: int64(args.Filters.MaxPrice),
		UnitType: args.Filters.UnitType,
	})
	if err != nil {
		return "", err
	}

	results := make([]propertyResult, 0, len(props))
	for _, p := range props {
		results = append(results, propertyResult{
			Name:         p.Name,
			Location:     p.Location,
			UnitTypes:    p.UnitTypes,
			BasePrice:    p.BasePrice,
			Amenities:    p.Amenities,
			Highlights:   p.Highlights,
			Availability: p.Availability,
		})
	}

	payload := map[string]any{"results": results}

	if args.Intent == "faq" && args.Name != "" && len(props) > 0 {
		faqs, err := a.store.PropertyFAQs(ctx, props[0].ID)
		if err != nil {
			return "", err
		}
		if faqs == nil {
			faqs = []crm.FAQ{}
		}
		payload["faqs"] = faqs
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (a *Assistant) createLead(ctx context.Context, args createLeadArgs) (string, error) {
	lead := &crm.Lead{
		FullName:              args.FullName,
		Phone:                 args.Phone,
		Email:                 args.Email,
		PropertyType:          args.PropertyType,
		PreferredLocation:     args.PreferredLocation,
		Budget:                int64(args.Budget),
		IntentLevel:           crm.IntentLevel(args.IntentLevel),
		ConversionProbability: args.ConversionProbability,
		Summary:               args.Summary,
	}
	if err := a.store.CreateLead(ctx, lead); err != nil {
		return "", err
	}
	out, _ := json.Marshal(map[string]string{"lead_id": lead.ID})
	return string(out), nil
}

func (a *Assistant) logActivity(ctx context.Context, args logActivityArgs) (string, error) {
	activity := &crm.Activity{
		LeadID:  args.LeadID,
		Type:    crm.ActivityType(args.Type),
		Message: args.Message,
	}
	if args.DueAt != "" {
		due, err := time.Parse(time.RFC3339, args.DueAt)
		if err != nil {
			return "", fmt.Errorf("parse due_at: %w", err)
		}
		activity.DueAt = &due
	}
	if err := a.store.LogActivity(ctx, activity); err != nil {
		return "", err
	}
	out, _ := json.Marshal(map[string]string{"activity_id": activity.ID})
	return string(out), nil
}

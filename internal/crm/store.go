// Package crm persists the real-estate catalog and captured leads.
//
// The assistant's tool calls land here: property searches answer buyer
// questions, and qualified conversations become lead records with an
// activity trail a sales agent can pick up.
package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Property is one listing in the catalog. UnitTypes, Amenities and
// Highlights are free-form comma-separated text imported from the listing
// sheet; the assistant quotes them verbatim.
type Property struct {
	ID           string
	Name         string
	Location     string
	UnitTypes    string
	BasePrice    int64
	Amenities    string
	Highlights   string
	Availability string
}

// FAQ is a curated question/answer pair attached to a property.
type FAQ struct {
	Question string
	Answer   string
}

// Query filters a property search. Zero-valued fields are not applied.
type Query struct {
	// Name and Location match case-insensitively as substrings.
	Name     string
	Location string

	// MaxPrice caps the base price. Zero means no cap.
	MaxPrice int64

	// UnitType matches against the unit types text.
	UnitType string
}

// ConversionProbability is the assistant's estimate of the lead closing
// within each horizon, as fractions in [0, 1].
type ConversionProbability struct {
	ThreeMonths float64 `json:"3m"`
	SixMonths   float64 `json:"6m"`
	NineMonths  float64 `json:"9m"`
}

// IntentLevel buckets how ready a lead is to transact: low is browsing,
// medium is considering, high is ready to buy.
type IntentLevel string

const (
	IntentLow    IntentLevel = "low"
	IntentMedium IntentLevel = "medium"
	IntentHigh   IntentLevel = "high"
)

// Lead is a captured prospect. Summary, when present, is stored as the
// lead's first note activity rather than on the lead row itself.
type Lead struct {
	ID                    string
	FullName              string
	Phone                 string
	Email                 string
	PropertyType          string
	PreferredLocation     string
	Budget                int64
	IntentLevel           IntentLevel
	ConversionProbability ConversionProbability
	Stage                 string
	Summary               string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Validate reports all field problems at once.
func (l *Lead) Validate() error {
	var errs []error
	if strings.TrimSpace(l.FullName) == "" && strings.TrimSpace(l.Phone) == "" && strings.TrimSpace(l.Email) == "" {
		errs = append(errs, errors.New("lead needs at least one of full_name, phone, email"))
	}
	switch l.IntentLevel {
	case "", IntentLow, IntentMedium, IntentHigh:
	default:
		errs = append(errs, fmt.Errorf(`intent_level must be "low", "medium", or "high", got %q`, l.IntentLevel))
	}
	if l.Budget < 0 {
		errs = append(errs, errors.New("budget must not be negative"))
	}
	for _, p := range []float64{
		l.ConversionProbability.ThreeMonths,
		l.ConversionProbability.SixMonths,
		l.ConversionProbability.NineMonths,
	} {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("conversion probability %v out of range [0, 1]", p))
			break
		}
	}
	return errors.Join(errs...)
}

// ActivityType classifies a lead activity.
type ActivityType string

const (
	ActivityNote   ActivityType = "note"
	ActivityTask   ActivityType = "task"
	ActivityStatus ActivityType = "status"
)

// Activity is one entry in a lead's trail.
type Activity struct {
	ID        string
	LeadID    string
	Type      ActivityType
	Message   string
	DueAt     *time.Time
	CreatedBy string
	CreatedAt time.Time
}

// Validate reports all field problems at once.
func (a *Activity) Validate() error {
	var errs []error
	if strings.TrimSpace(a.LeadID) == "" {
		errs = append(errs, errors.New("activity lead_id must not be empty"))
	}
	switch a.Type {
	case ActivityNote, ActivityTask, ActivityStatus:
	default:
		errs = append(errs, fmt.Errorf(`activity type must be "note", "task", or "status", got %q`, a.Type))
	}
	if strings.TrimSpace(a.Message) == "" {
		errs = append(errs, errors.New("activity message must not be empty"))
	}
	return errors.Join(errs...)
}

// Store is the persistence interface the gateway's tool handlers depend
// on. [PostgresStore] is the production implementation.
type Store interface {
	// SearchProperties returns catalog entries matching q, ordered by name.
	SearchProperties(ctx context.Context, q Query) ([]Property, error)

	// PropertyFAQs returns the FAQ entries attached to a property.
	PropertyFAQs(ctx context.Context, propertyID string) ([]FAQ, error)

	// CreateLead inserts the lead (stage "New" unless set) and, when a
	// summary is present, its first note activity. The generated lead ID
	// is written back to lead.ID.
	CreateLead(ctx context.Context, lead *Lead) error

	// LogActivity appends one activity to a lead's trail.
	LogActivity(ctx context.Context, activity *Activity) error

	// KnownNames returns all property names and locations, for aligning
	// recognized speech with the catalog.
	KnownNames(ctx context.Context) ([]string, error)
}

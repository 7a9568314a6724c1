package model

import (
	"fmt"
	"time"
)

// DealStatus represents the current state of a deal in the extraction pipeline.
type DealStatus string

const (
	StatusPending    DealStatus = "pending"
	StatusExtracting DealStatus = "extracting"
	StatusValidating DealStatus = "validating"
	StatusCompleted  DealStatus = "completed"
	StatusFailed     DealStatus = "failed"
)

// ParseStatus converts a stored string into a DealStatus, rejecting anything
// outside the five known states.
func ParseStatus(s string) (DealStatus, error) {
	switch DealStatus(s) {
	case StatusPending, StatusExtracting, StatusValidating, StatusCompleted, StatusFailed:
		return DealStatus(s), nil
	}
	return "", fmt.Errorf("unknown deal status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s DealStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions is the full edge set of the pipeline state machine. The
// validating -> extracting edge is the repair pass.
var transitions = map[DealStatus][]DealStatus{
	StatusPending:    {StatusExtracting},
	StatusExtracting: {StatusValidating, StatusFailed},
	StatusValidating: {StatusCompleted, StatusExtracting, StatusFailed},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to DealStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deal is the unit of work: one submitted text and its extraction lifecycle.
type Deal struct {
	ID          string         `json:"id"`
	ContentHash string         `json:"content_hash"`
	RawText     string         `json:"raw_text"`
	Status      DealStatus     `json:"status"`
	LastError   *string        `json:"last_error,omitempty"`
	Extracted   *ExtractedDeal `json:"extracted,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DealSummary is the listing projection of a deal.
type DealSummary struct {
	ID          string     `json:"id"`
	Status      DealStatus `json:"status"`
	CompanyName string     `json:"company_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// maxBriefBullets caps the investment brief length.
const maxBriefBullets = 15

// ExtractedDeal is the structured payload produced by the model for one deal.
// All fields are written atomically on successful validation.
type ExtractedDeal struct {
	CompanyName     string            `json:"company_name"`
	Founders        []string          `json:"founders,omitempty"`
	Sector          string            `json:"sector,omitempty"`
	Geography       string            `json:"geography,omitempty"`
	Stage           string            `json:"stage,omitempty"`
	RoundSize       string            `json:"round_size,omitempty"`
	Metrics         map[string]string `json:"metrics,omitempty"`
	InvestmentBrief []string          `json:"investment_brief"`
	Tags            []string          `json:"tags,omitempty"`
}

// Validate checks the schema contract: required shape, field types (enforced
// by unmarshaling), and non-empty required lists. The returned error text is
// fed back to the model in the repair prompt, so it should name the field.
func (e *ExtractedDeal) Validate() error {
	if e.CompanyName == "" {
		return fmt.Errorf("company_name is required and must be non-empty")
	}
	if len(e.InvestmentBrief) == 0 {
		return fmt.Errorf("investment_brief must have at least 1 bullet point")
	}
	if len(e.InvestmentBrief) > maxBriefBullets {
		return fmt.Errorf("investment_brief must have at most %d bullet points, got %d", maxBriefBullets, len(e.InvestmentBrief))
	}
	for i, b := range e.InvestmentBrief {
		if b == "" {
			return fmt.Errorf("investment_brief[%d] is empty", i)
		}
	}
	return nil
}

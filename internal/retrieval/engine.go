// Package retrieval answers natural-language questions about one aircraft's
// maintenance history, grounded on semantically retrieved narrative entries.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/avrec/logbookgo/internal/ai"
	"github.com/avrec/logbookgo/internal/models"
	"github.com/avrec/logbookgo/internal/store"
)

const (
	// searchLimit is how many candidate narratives feed the answer prompt.
	searchLimit = 10
	// sourceLimit is how many of those are surfaced back as citations.
	sourceLimit = 5
)

// noRecordsAnswer is returned without a model call when the aircraft has no
// indexed narratives at all.
const noRecordsAnswer = "No maintenance records found for this aircraft."

// Store is the persistence surface the engine requires. *store.GormStore
// satisfies it.
type Store interface {
	GetAircraftByRegistration(ctx context.Context, registration string) (*models.Aircraft, error)
	SearchNarratives(ctx context.Context, aircraftID string, vector []float32, limit int) ([]store.SearchResult, error)
}

// Engine runs the ask flow: embed the question, retrieve nearest narratives,
// and generate a grounded answer with citations.
type Engine struct {
	store Store
	ai    ai.Client
}

// NewEngine wires a retrieval engine
func NewEngine(st Store, client ai.Client) *Engine {
	return &Engine{store: st, ai: client}
}

// Source cites one record the answer drew on.
type Source struct {
	Date           string  `json:"date"`
	Type           string  `json:"type"`
	InspectionType *string `json:"inspectionType"`
	Similarity     float64 `json:"similarity"`
}

// Answer is the engine's response to one question.
type Answer struct {
	Registration string   `json:"tailNumber"`
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
}

// Ask answers a question about one aircraft. Unknown registrations surface
// store.ErrNotFound; an aircraft with no indexed records gets a canned answer
// with no model call.
func (e *Engine) Ask(ctx context.Context, registration, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	registration = strings.ToUpper(strings.TrimSpace(registration))
	aircraft, err := e.store.GetAircraftByRegistration(ctx, registration)
	if err != nil {
		return nil, err
	}

	vector, err := e.ai.EmbedText(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	results, err := e.store.SearchNarratives(ctx, aircraft.ID, vector, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search narratives: %w", err)
	}

	if len(results) == 0 {
		return &Answer{
			Registration: registration,
			Question:     question,
			Answer:       noRecordsAnswer,
			Sources:      []Source{},
		}, nil
	}

	answer, err := e.ai.GenerateAnswer(ctx, ai.AnswerPrompt(registration, buildRecordsContext(results), question))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	log.Printf("💬 %s: answered from %d records", registration, len(results))
	return &Answer{
		Registration: registration,
		Question:     question,
		Answer:       answer,
		Sources:      buildSources(results),
	}, nil
}

// buildRecordsContext renders retrieved narratives as the prompt's record
// block, one "[date] (type/subtype) narrative" line per result.
func buildRecordsContext(results []store.SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		label := r.EntryType
		if r.InspectionType != nil && *r.InspectionType != "" {
			label = fmt.Sprintf("%s/%s", label, *r.InspectionType)
		}
		parts = append(parts, fmt.Sprintf("[%s] (%s) %s",
			r.EntryDate.Format("2006-01-02"), label, r.Narrative))
	}
	return strings.Join(parts, "\n---\n")
}

func buildSources(results []store.SearchResult) []Source {
	limit := sourceLimit
	if len(results) < limit {
		limit = len(results)
	}
	sources := make([]Source, 0, limit)
	for _, r := range results[:limit] {
		sources = append(sources, Source{
			Date:           r.EntryDate.Format("2006-01-02"),
			Type:           r.EntryType,
			InspectionType: r.InspectionType,
			Similarity:     r.Similarity,
		})
	}
	return sources
}

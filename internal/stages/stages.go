// Package stages defines the pipeline's workflows. Discovery finds
// businesses on listing pages, profile extracts their attributes and website
// reads contact details from each business's own site.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/retry"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// Stage names.
const (
	Discovery = "discovery"
	Profile   = "profile"
	Website   = "website"
)

// Names lists the stages in pipeline order.
func Names() []string {
	return []string{Discovery, Profile, Website}
}

// Key is the idempotency key of a stage run for one record. It is stable, so
// retries of the same record deduplicate.
func Key(stage, recordID string) string {
	return stage + ":" + recordID
}

// Subject is the payload every stage workflow receives.
type Subject struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// SubjectOf builds the payload for rec.
func SubjectOf(rec backlog.Record) Subject {
	return Subject{ID: rec.ID, Fields: rec.Fields}
}

// String returns the named field as a string, or "".
func (s Subject) String(name string) string {
	v, _ := s.Fields[name].(string)
	return v
}

// Deps are the collaborators stage activities use.
type Deps struct {
	Store    backlog.Store
	Notifier workflow.Notifier
	// Browser renders script-heavy pages.
	Browser pages.Fetcher
	// Static fetches plain pages.
	Static pages.Fetcher
	Logger *zap.Logger
}

// Settings tune one stage.
type Settings struct {
	DerivedTable string

	// SearchURL is a format string taking the escaped query, for discovery
	// records that carry a query instead of a url.
	SearchURL   string
	Attributes  []pages.Attribute
	Selectors   pages.Selectors
	Listing     pages.ListingSelectors
	Timeout     time.Duration
	Navigation  retry.Policy
	Extraction  retry.Policy
	Interaction retry.Policy
}

func (s Settings) withDefaults() Settings {
	if s.Navigation.MaxAttempts == 0 {
		s.Navigation = retry.Navigation
	}
	if s.Extraction.MaxAttempts == 0 {
		s.Extraction = retry.Extraction
	}
	if s.Interaction.MaxAttempts == 0 {
		s.Interaction = retry.Interaction
	}
	return s
}

// Bind attaches the named stage's workflow to e.
func Bind(e *workflow.Engine, name string, deps Deps, settings Settings) (workflow.Runner, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("stage %s: backlog store is required", name)
	}
	if settings.DerivedTable == "" {
		return nil, fmt.Errorf("stage %s: derived table is required", name)
	}
	settings = settings.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	switch name {
	case Discovery:
		if deps.Browser == nil {
			return nil, fmt.Errorf("stage %s: browser fetcher is required", name)
		}
		return workflow.Bind(e, DiscoveryWorkflow(deps, settings))
	case Profile:
		if deps.Browser == nil {
			return nil, fmt.Errorf("stage %s: browser fetcher is required", name)
		}
		return workflow.Bind(e, ProfileWorkflow(deps, settings))
	case Website:
		if deps.Static == nil {
			return nil, fmt.Errorf("stage %s: static fetcher is required", name)
		}
		return workflow.Bind(e, WebsiteWorkflow(deps, settings))
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// qualified reports whether a stage output is final. Disqualified records go
// back to the backlog, so their outcome must not be replayed on the next claim.
func qualified(output json.RawMessage) bool {
	out, err := workflow.Decode[backlog.Outcome](output)
	return err != nil || !out.Disqualified
}

// Executor runs a workflow by name, locally or on the owning runner.
type Executor interface {
	Execute(ctx context.Context, name, key string, payload json.RawMessage) (workflow.Outcome, error)
}

// Processor feeds backlog records to a stage workflow.
type Processor struct {
	name string
	exec Executor
}

// NewProcessor constructs a Processor for stage name.
func NewProcessor(name string, exec Executor) *Processor {
	return &Processor{name: name, exec: exec}
}

// Name returns the stage name.
func (p *Processor) Name() string {
	return p.name
}

// Process runs the stage workflow for rec and decodes its outcome.
func (p *Processor) Process(ctx context.Context, rec backlog.Record) (backlog.Outcome, error) {
	payload, err := json.Marshal(SubjectOf(rec))
	if err != nil {
		return backlog.Outcome{}, fmt.Errorf("encode %s payload: %w", rec.ID, err)
	}
	out, err := p.exec.Execute(ctx, p.name, Key(p.name, rec.ID), payload)
	if err != nil {
		return backlog.Outcome{}, err
	}
	return workflow.Decode[backlog.Outcome](out.Output)
}

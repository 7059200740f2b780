package stages

import (
	"context"

	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// ProfileWorkflow renders the business profile page, extracts the configured
// attributes and stores them as a derived record. A profile with no
// attributes is disqualified.
func ProfileWorkflow(deps Deps, s Settings) workflow.Definition[Subject] {
	sel := pages.ProfileSelectors().Merge(s.Selectors)
	return workflow.Definition[Subject]{
		Name:    Profile,
		Version: 1,
		Key:     func(p Subject) string { return Key(Profile, p.ID) },
		Timeout: s.Timeout,
		Settled: qualified,
		Activities: []workflow.Activity[Subject]{
			{
				Name:  "extract",
				Retry: s.Extraction,
				Run: func(ctx context.Context, in workflow.Input[Subject]) (any, error) {
					return extractFrom(ctx, deps.Browser, in.Payload, "url", "extract", sel, s.Attributes)
				},
				Compensate: workflow.AlertOnCompensate[Subject](deps.Notifier, Profile, "extract"),
			},
			{
				Name:  "persist",
				Retry: s.Interaction,
				Run:   persistProfile(deps, s, "extract", "url"),
			},
		},
	}
}

func extractFrom(
	ctx context.Context,
	fetcher pages.Fetcher,
	p Subject,
	field, activity string,
	sel pages.Selectors,
	want []pages.Attribute,
) (pages.Profile, error) {
	target := p.String(field)
	if target == "" {
		ae := workflow.NewActivityError(activity, "record has no "+field, map[string]any{"record_id": p.ID})
		ae.NonRetryable = true
		return nil, ae
	}
	page, err := fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	return pages.Extract(page.HTML, sel, want)
}

func persistProfile(deps Deps, s Settings, from, sourceField string) func(context.Context, workflow.Input[Subject]) (any, error) {
	return func(ctx context.Context, in workflow.Input[Subject]) (any, error) {
		profile, err := workflow.ResultAs[pages.Profile](in.Results, from)
		if err != nil {
			return nil, err
		}
		fields := profile.Fields()
		fields["source_"+sourceField] = in.Payload.String(sourceField)
		rec, err := deps.Store.CreateDerived(ctx, s.DerivedTable, in.Payload.ID, fields)
		if err != nil {
			return nil, err
		}
		out := backlog.Outcome{DerivedTable: s.DerivedTable, DerivedIDs: []string{rec.ID}}
		if len(profile) == 0 {
			out.Disqualified = true
			return out, nil
		}
		out.Succeeded = true
		return out, nil
	}
}

package stages

import (
	"context"

	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// WebsiteWorkflow fetches the business's own site without a browser and
// stores the contact details it finds.
func WebsiteWorkflow(deps Deps, s Settings) workflow.Definition[Subject] {
	sel := pages.WebsiteSelectors().Merge(s.Selectors)
	return workflow.Definition[Subject]{
		Name:    Website,
		Version: 1,
		Key:     func(p Subject) string { return Key(Website, p.ID) },
		Timeout: s.Timeout,
		Settled: qualified,
		Activities: []workflow.Activity[Subject]{
			{
				Name:  "fetch",
				Retry: s.Navigation,
				Run: func(ctx context.Context, in workflow.Input[Subject]) (any, error) {
					return extractFrom(ctx, deps.Static, in.Payload, "website", "fetch", sel, s.Attributes)
				},
				Compensate: workflow.AlertOnCompensate[Subject](deps.Notifier, Website, "fetch"),
			},
			{
				Name:  "persist",
				Retry: s.Interaction,
				Run:   persistProfile(deps, s, "fetch", "website"),
			},
		},
	}
}

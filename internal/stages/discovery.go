package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// DiscoveryWorkflow searches a listing page for the record's url or query and
// stores each candidate business as a derived record.
func DiscoveryWorkflow(deps Deps, s Settings) workflow.Definition[Subject] {
	return workflow.Definition[Subject]{
		Name:    Discovery,
		Version: 1,
		Key:     func(p Subject) string { return Key(Discovery, p.ID) },
		Timeout: s.Timeout,
		Activities: []workflow.Activity[Subject]{
			{
				Name:       "search",
				Retry:      s.Navigation,
				Run:        searchListing(deps, s),
				Compensate: workflow.AlertOnCompensate[Subject](deps.Notifier, Discovery, "search"),
			},
			{
				Name:  "store",
				Retry: s.Interaction,
				Run:   storeCandidates(deps, s),
			},
		},
	}
}

func searchURL(p Subject, s Settings) (string, error) {
	if u := p.String("url"); u != "" {
		return u, nil
	}
	q := p.String("query")
	if q == "" || s.SearchURL == "" {
		ae := workflow.NewActivityError("search", "record has neither url nor query", map[string]any{"record_id": p.ID})
		ae.NonRetryable = true
		return "", ae
	}
	return fmt.Sprintf(s.SearchURL, url.QueryEscape(q)), nil
}

func searchListing(deps Deps, s Settings) func(context.Context, workflow.Input[Subject]) (any, error) {
	return func(ctx context.Context, in workflow.Input[Subject]) (any, error) {
		target, err := searchURL(in.Payload, s)
		if err != nil {
			return nil, err
		}
		page, err := deps.Browser.Fetch(ctx, target)
		if err != nil {
			return nil, err
		}
		candidates, err := pages.ExtractListing(page.HTML, page.FinalURL, s.Listing)
		if err != nil {
			return nil, err
		}
		return candidates, nil
	}
}

func storeCandidates(deps Deps, s Settings) func(context.Context, workflow.Input[Subject]) (any, error) {
	return func(ctx context.Context, in workflow.Input[Subject]) (any, error) {
		candidates, err := workflow.ResultAs[[]pages.Candidate](in.Results, "search")
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return backlog.Outcome{Succeeded: false}, nil
		}
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			rec, err := deps.Store.CreateDerived(ctx, s.DerivedTable, in.Payload.ID, map[string]any{
				"name":  c.Name,
				"url":   c.URL,
				"query": in.Payload.String("query"),
			})
			if err != nil {
				err = fmt.Errorf("store candidate %s: %w", c.URL, err)
				if rbErr := rollback(ctx, deps, s.DerivedTable, ids); rbErr != nil {
					return nil, errors.Join(err, rbErr)
				}
				return nil, err
			}
			ids = append(ids, rec.ID)
		}
		return backlog.Outcome{Succeeded: true, DerivedTable: s.DerivedTable, DerivedIDs: ids}, nil
	}
}

// rollback removes records created by a failed attempt so a retry starts clean.
func rollback(ctx context.Context, deps Deps, table string, ids []string) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var failures []error
	for _, id := range ids {
		if err := deps.Store.DeleteRecord(context.WithoutCancel(ctx), table, id); err != nil {
			logger.Error("rollback delete failed",
				zap.String("table", table),
				zap.String("derived_id", id),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("rollback %s: %w", id, err))
		}
	}
	return errors.Join(failures...)
}

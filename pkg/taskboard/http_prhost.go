package taskboard

import (
	"context"
	"fmt"
)

// HTTPPRHost implements PRHost against a REST endpoint listing pull
// requests for a branch, shaped the way most PR-host APIs (GitHub,
// GitLab, Gitea) already respond: a list of objects with "number",
// "merged", and "head.ref"-like fields, abstracted here by jq queries.
type HTTPPRHost struct {
	client      *Client
	searchPath  string // e.g. "/pulls?head=%s"
	numberQuery string
	mergedQuery string

	getPath       string // e.g. "/pulls/%d"
	openQuery     string
	conflictQuery string

	mergedIntoPath  string // e.g. "/compare/%s...%s"
	mergedIntoQuery string
}

// HTTPPRHostConfig configures the jq extraction queries for one host's PR
// object schema, covering all three PRHost lookups: search-by-branch,
// get-by-number, and merged-into-base comparison.
type HTTPPRHostConfig struct {
	SearchPathFormat string
	NumberQuery      string
	MergedQuery      string

	GetPathFormat string
	OpenQuery     string
	ConflictQuery string

	MergedIntoPathFormat string
	MergedIntoQuery      string
}

// NewHTTPPRHost builds an HTTPPRHost over client.
func NewHTTPPRHost(client *Client, cfg HTTPPRHostConfig) *HTTPPRHost {
	return &HTTPPRHost{
		client:          client,
		searchPath:      cfg.SearchPathFormat,
		numberQuery:     cfg.NumberQuery,
		mergedQuery:     cfg.MergedQuery,
		getPath:         cfg.GetPathFormat,
		openQuery:       cfg.OpenQuery,
		conflictQuery:   cfg.ConflictQuery,
		mergedIntoPath:  cfg.MergedIntoPathFormat,
		mergedIntoQuery: cfg.MergedIntoQuery,
	}
}

// FindPR looks up branch's PR, if any.
func (h *HTTPPRHost) FindPR(ctx context.Context, branch string) (int, bool, bool, error) {
	var results []map[string]any
	path := fmt.Sprintf(h.searchPath, branch)
	if err := h.client.GetJSON(ctx, path, &results); err != nil {
		return 0, false, false, fmt.Errorf("taskboard: find PR for %s: %w", branch, err)
	}
	if len(results) == 0 {
		return 0, false, false, nil
	}

	item := results[0]
	numberRaw, err := ExtractMetaField(item, h.numberQuery)
	if err != nil {
		return 0, false, false, fmt.Errorf("taskboard: extract PR number: %w", err)
	}
	number, _ := numberRaw.(float64)

	mergedRaw, err := ExtractMetaField(item, h.mergedQuery)
	if err != nil {
		return 0, false, false, fmt.Errorf("taskboard: extract PR merged flag: %w", err)
	}
	merged, _ := mergedRaw.(bool)

	return int(number), merged, true, nil
}

// GetPR resolves a PR's state by number, the cheapest of the three
// PRHost lookups since it needs no branch search.
func (h *HTTPPRHost) GetPR(ctx context.Context, number int) (PRState, error) {
	var item map[string]any
	path := fmt.Sprintf(h.getPath, number)
	if err := h.client.GetJSON(ctx, path, &item); err != nil {
		return PRState{}, fmt.Errorf("taskboard: get PR %d: %w", number, err)
	}

	merged, err := extractBool(item, h.mergedQuery)
	if err != nil {
		return PRState{}, fmt.Errorf("taskboard: extract merged flag for PR %d: %w", number, err)
	}
	open, err := extractBool(item, h.openQuery)
	if err != nil {
		return PRState{}, fmt.Errorf("taskboard: extract open flag for PR %d: %w", number, err)
	}
	conflict, err := extractBool(item, h.conflictQuery)
	if err != nil {
		return PRState{}, fmt.Errorf("taskboard: extract conflict flag for PR %d: %w", number, err)
	}

	return PRState{Merged: merged, Open: open, HasConflicts: conflict}, nil
}

// IsBranchMergedInto reports whether branch has landed in base, via a
// host-side comparison endpoint rather than PR state, so a squash-merge
// that left no trailing PR record still resolves correctly.
func (h *HTTPPRHost) IsBranchMergedInto(ctx context.Context, branch, base string) (bool, error) {
	var item map[string]any
	path := fmt.Sprintf(h.mergedIntoPath, branch, base)
	if err := h.client.GetJSON(ctx, path, &item); err != nil {
		return false, fmt.Errorf("taskboard: compare %s into %s: %w", branch, base, err)
	}
	return extractBool(item, h.mergedIntoQuery)
}

func extractBool(item map[string]any, query string) (bool, error) {
	raw, err := ExtractMetaField(item, query)
	if err != nil {
		return false, err
	}
	b, _ := raw.(bool)
	return b, nil
}

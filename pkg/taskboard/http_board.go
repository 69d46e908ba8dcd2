package taskboard

import (
	"context"
	"fmt"

	"github.com/bosun-run/bosun/pkg/domain"
)

// HTTPExternalBoard implements ExternalBoard against a REST endpoint
// returning a JSON array of board items. FieldQueries maps each
// domain.Candidate field to a jq query evaluated against each item's
// decoded map, so the same client works across boards with different
// native schemas.
type HTTPExternalBoard struct {
	client       *Client
	listPath     string
	branchQuery  string
	prQuery      string
	baseQuery    string
	attemptQuery string
}

// HTTPBoardConfig configures the jq extraction queries for one board's
// native item schema.
type HTTPBoardConfig struct {
	ListPath     string
	BranchQuery  string
	PRQuery      string
	BaseQuery    string
	AttemptQuery string
}

// NewHTTPExternalBoard builds an HTTPExternalBoard over client.
func NewHTTPExternalBoard(client *Client, cfg HTTPBoardConfig) *HTTPExternalBoard {
	return &HTTPExternalBoard{
		client:       client,
		listPath:     cfg.ListPath,
		branchQuery:  cfg.BranchQuery,
		prQuery:      cfg.PRQuery,
		baseQuery:    cfg.BaseQuery,
		attemptQuery: cfg.AttemptQuery,
	}
}

// ListCandidates fetches the board's item list and extracts a
// domain.Candidate from each via the configured jq queries, skipping
// items with no resolvable branch.
func (b *HTTPExternalBoard) ListCandidates(ctx context.Context) ([]domain.Candidate, error) {
	var items []map[string]any
	if err := b.client.GetJSON(ctx, b.listPath, &items); err != nil {
		return nil, fmt.Errorf("taskboard: list external board items: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(items))
	for _, item := range items {
		branch, err := ExtractMetaString(item, b.branchQuery)
		if err != nil || branch == "" {
			continue
		}
		base, _ := ExtractMetaString(item, b.baseQuery)
		attemptID, _ := ExtractMetaString(item, b.attemptQuery)

		prNumber := 0
		if prRaw, err := ExtractMetaField(item, b.prQuery); err == nil {
			if n, ok := prRaw.(float64); ok {
				prNumber = int(n)
			}
		}

		candidates = append(candidates, domain.Candidate{
			Branch:     branch,
			BaseBranch: base,
			PRNumber:   prNumber,
			AttemptID:  attemptID,
			Source:     domain.SourceExternalBoard,
		})
	}
	return candidates, nil
}

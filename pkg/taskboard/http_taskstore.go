package taskboard

import (
	"context"
	"fmt"
	"time"

	"github.com/bosun-run/bosun/pkg/domain"
)

// HTTPTaskStoreConfig configures the jq extraction queries for one task
// board's native task schema and the write-side status field name.
type HTTPTaskStoreConfig struct {
	ListPath   string // e.g. "/tasks"
	GetPath    string // e.g. "/tasks/%s"
	UpdatePath string // e.g. "/tasks/%s"

	IDQuery          string
	TitleQuery       string
	StatusQuery      string
	BranchQuery      string
	BaseBranchQuery  string
	PRNumberQuery    string
	UpdatedAtQuery   string
	DescriptionQuery string
	LabelsQuery      string

	// StatusField is the JSON field name the PATCH body uses to carry the
	// new status, e.g. "status" or "state".
	StatusField string
	// StatusValues maps a domain.TaskStatus to the board's own status
	// vocabulary; a missing entry falls back to the domain value itself.
	StatusValues map[domain.TaskStatus]string
}

// HTTPTaskStore implements taskboard.TaskStore against a REST endpoint,
// mirroring HTTPExternalBoard's jq-driven field extraction so the same
// Client and query mechanism covers every board-shaped dependency the
// reconciler has.
type HTTPTaskStore struct {
	client *Client
	cfg    HTTPTaskStoreConfig
}

// NewHTTPTaskStore builds an HTTPTaskStore over client.
func NewHTTPTaskStore(client *Client, cfg HTTPTaskStoreConfig) *HTTPTaskStore {
	return &HTTPTaskStore{client: client, cfg: cfg}
}

// ListTasks fetches every task the board currently tracks.
func (s *HTTPTaskStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var items []map[string]any
	if err := s.client.GetJSON(ctx, s.cfg.ListPath, &items); err != nil {
		return nil, fmt.Errorf("taskboard: list tasks: %w", err)
	}

	tasks := make([]domain.Task, 0, len(items))
	for _, item := range items {
		task, err := s.taskFromItem(item)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetTask fetches a single task by ID.
func (s *HTTPTaskStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var item map[string]any
	path := fmt.Sprintf(s.cfg.GetPath, id)
	if err := s.client.GetJSON(ctx, path, &item); err != nil {
		return domain.Task{}, fmt.Errorf("taskboard: get task %s: %w", id, err)
	}
	return s.taskFromItem(item)
}

// UpdateStatus transitions id to status on the board, translating through
// StatusValues if configured.
func (s *HTTPTaskStore) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	value := string(status)
	if mapped, ok := s.cfg.StatusValues[status]; ok {
		value = mapped
	}
	field := s.cfg.StatusField
	if field == "" {
		field = "status"
	}
	path := fmt.Sprintf(s.cfg.UpdatePath, id)
	body := map[string]any{field: value}
	if err := s.client.PatchJSON(ctx, path, body); err != nil {
		return fmt.Errorf("taskboard: update status for task %s: %w", id, err)
	}
	return nil
}

func (s *HTTPTaskStore) taskFromItem(item map[string]any) (domain.Task, error) {
	id, err := ExtractMetaString(item, s.cfg.IDQuery)
	if err != nil {
		return domain.Task{}, fmt.Errorf("taskboard: extract task id: %w", err)
	}
	title, _ := ExtractMetaString(item, s.cfg.TitleQuery)
	statusRaw, _ := ExtractMetaString(item, s.cfg.StatusQuery)
	branch, _ := ExtractMetaString(item, s.cfg.BranchQuery)
	base, _ := ExtractMetaString(item, s.cfg.BaseBranchQuery)
	desc, _ := ExtractMetaString(item, s.cfg.DescriptionQuery)
	updatedAtRaw, _ := ExtractMetaString(item, s.cfg.UpdatedAtQuery)

	prNumber := 0
	if prRaw, err := ExtractMetaField(item, s.cfg.PRNumberQuery); err == nil {
		if n, ok := prRaw.(float64); ok {
			prNumber = int(n)
		}
	}

	var labels []string
	if labelsRaw, err := ExtractMetaField(item, s.cfg.LabelsQuery); err == nil {
		if raw, ok := labelsRaw.([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					labels = append(labels, s)
				}
			}
		}
	}

	updatedAt := time.Time{}
	if updatedAtRaw != "" {
		if parsed, err := time.Parse(time.RFC3339, updatedAtRaw); err == nil {
			updatedAt = parsed
		}
	}

	return domain.Task{
		ID:          id,
		Title:       title,
		Status:      domain.TaskStatus(statusRaw),
		Branch:      branch,
		BaseBranch:  base,
		PRNumber:    prNumber,
		UpdatedAt:   updatedAt,
		Description: desc,
		Labels:      labels,
		Meta:        item,
	}, nil
}

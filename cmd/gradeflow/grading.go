package main

import (
	"context"
	"encoding/json"

	"github.com/go-resty/resty/v2"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

// gradeRequest is the POST body sent to the grading endpoint for one item.
type gradeRequest struct {
	ItemID  string `json:"itemId"`
	Payload any    `json:"payload,omitempty"`
}

// gradingClient calls the external grading endpoint once per work item.
type gradingClient struct {
	client   *resty.Client
	endpoint string
}

// newGradingClient builds the HTTP client for the grading endpoint.
func newGradingClient(cfg GradingConfig) *gradingClient {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "gradeflow/"+version)
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	return &gradingClient{client: client, endpoint: cfg.Endpoint}
}

// Process grades one item. It satisfies batch.ProcessFunc; the kind of the
// returned error decides whether the scheduler retries the item.
func (g *gradingClient) Process(ctx context.Context, item batch.Item) (any, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(gradeRequest{ItemID: item.ID, Payload: item.Payload}).
		Post(g.endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.Wrap(errs.KindCancelled, "grading.post", ctxErr)
		}
		return nil, errs.Wrap(errs.KindTransient, "grading.post", err)
	}
	if statusErr := errs.FromHTTPStatus("grading.post", resp.StatusCode()); statusErr != nil {
		return nil, statusErr
	}

	// Keep the endpoint's response as the item output. Non-JSON bodies are
	// carried as plain strings so the export bundle still marshals.
	var result any
	if body := resp.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			result = string(body)
		}
	}
	return result, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hivegrid/hivegrid/util/robusthttp"
)

// VariationClient calls the external content variation service over HTTP.
type VariationClient struct {
	host   string
	client *http.Client
}

func NewVariationClient(host string) *VariationClient {
	return &VariationClient{
		host:   host,
		client: robusthttp.NewClient(20 * time.Second),
	}
}

type variationRequest struct {
	ContentRef string `json:"content_ref"`
	AccountID  uint   `json:"account_id"`
}

type variationResponse struct {
	Variation string `json:"variation"`
}

func (c *VariationClient) CreateVariation(ctx context.Context, contentRef string, accountID uint) (string, error) {
	body, err := json.Marshal(variationRequest{ContentRef: contentRef, AccountID: accountID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/variations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("variation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("variation request failed, status=%d", resp.StatusCode)
	}

	var out variationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse variation response: %w", err)
	}
	if out.Variation == "" {
		return "", fmt.Errorf("variation service returned empty content")
	}
	return out.Variation, nil
}

// DispatchClient hands scheduled jobs to the external execution queue over
// HTTP. It also satisfies job cancellation for emergency halts.
type DispatchClient struct {
	host   string
	client *http.Client
}

func NewDispatchClient(host string) *DispatchClient {
	return &DispatchClient{
		host:   host,
		client: robusthttp.NewClient(10 * time.Second),
	}
}

type enqueueRequest struct {
	AccountID      uint      `json:"account_id"`
	Variation      string    `json:"variation"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	DistributionID string    `json:"distribution_id"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (c *DispatchClient) Enqueue(ctx context.Context, accountID uint, variation string, scheduledAt time.Time, distributionID string) (string, error) {
	body, err := json.Marshal(enqueueRequest{
		AccountID:      accountID,
		Variation:      variation,
		ScheduledAt:    scheduledAt,
		DistributionID: distributionID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enqueue request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("enqueue request failed, status=%d", resp.StatusCode)
	}

	var out enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse enqueue response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("execution queue returned empty job ID")
	}
	return out.JobID, nil
}

func (c *DispatchClient) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.host+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()
	// a job the queue no longer knows about is already as cancelled as it
	// gets
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cancel request failed, status=%d", resp.StatusCode)
	}
	return nil
}

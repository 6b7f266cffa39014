package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"receiptwise/internal/types"
)

// EntitlementClientConfig holds the configuration for the subscriber
// entitlement API client.
type EntitlementClientConfig struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

// EntitlementClient implements EntitlementAPI against the subscriber REST
// API (GET /v1/subscribers/{externalUserID}). All requests go through
// BaseClient for circuit breaking and retries.
type EntitlementClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewEntitlementClient creates a new EntitlementClient.
func NewEntitlementClient(httpClient *http.Client, cfg EntitlementClientConfig, opts ...BaseClientOption) *EntitlementClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"entitlements",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    250 * time.Millisecond,
			MaxWait:    3 * time.Second,
		},
		"ReceiptWise/1.0",
		opts...,
	)

	return &EntitlementClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// GetEntitlements returns every entitlement recorded for the external user,
// including expired ones. Filtering and tier precedence are the caller's
// concern so that resolution stays a pure function of the entitlement set.
func (c *EntitlementClient) GetEntitlements(ctx context.Context, externalUserID string) ([]Entitlement, error) {
	reqURL := fmt.Sprintf("%s/v1/subscribers/%s", c.baseURL, externalUserID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build entitlement lookup request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return nil, err
		}
		return nil, types.NewAppError(
			types.ErrCodeUpstreamEntitle,
			fmt.Sprintf("entitlement lookup failed for subscriber %s", externalUserID),
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamEntitle,
			fmt.Sprintf("entitlement API returned status %d for subscriber %s", resp.StatusCode, externalUserID),
			nil,
		)
	}

	var payload subscriberResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamEntitle,
			"failed to decode entitlement API response",
			err,
		)
	}

	entitlements := make([]Entitlement, 0, len(payload.Subscriber.Entitlements))
	for name, ent := range payload.Subscriber.Entitlements {
		e := Entitlement{ProductID: ent.ProductIdentifier}
		if e.ProductID == "" {
			e.ProductID = name
		}
		if ent.ExpiresDate != "" {
			expires, parseErr := time.Parse(time.RFC3339, ent.ExpiresDate)
			if parseErr != nil {
				c.logger.Warn("skipping entitlement with unparseable expires_date",
					"subscriber_id", externalUserID,
					"entitlement", name,
					"expires_date", ent.ExpiresDate,
				)
				continue
			}
			expires = expires.UTC()
			e.ExpiresAt = &expires
		}
		entitlements = append(entitlements, e)
	}

	return entitlements, nil
}

// subscriberResponse is the wire shape of the subscriber API.
type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]subscriberEntitlement `json:"entitlements"`
	} `json:"subscriber"`
}

type subscriberEntitlement struct {
	ProductIdentifier string `json:"product_identifier"`
	ExpiresDate       string `json:"expires_date"`
}

// Package fulfillment delivers purchased goods through the vendor API. One
// adapter exists per good type; all of them share a single vendor client.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
)

// Vendor endpoints
const (
	EndpointAirtime     = "APIAirtimeV1.asp"
	EndpointData        = "APIDatabundleV1.asp"
	EndpointCable       = "APICableTVV1.asp"
	EndpointElectricity = "APIElectricityV1.asp"
)

// Vendor status values with a dedicated outcome
const (
	StatusInsufficientBalance = "INSUFFICIENT_BALANCE"
	StatusInvalidRecipient    = "INVALID_RECIPIENT"
)

// Correlation headers sent with every vendor call
const (
	HeaderTransactionHash = "x-transaction-hash"
	HeaderReferenceCode   = "x-reference-code"
)

// Config configures the vendor client
type Config struct {
	// BaseURL is the vendor API root
	BaseURL string

	// UserID and APIKey authenticate every request
	UserID string
	APIKey string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 60s)
	Timeout time.Duration

	// Log receives vendor specific failure details (optional)
	Log logrus.FieldLogger
}

// Client calls the vendor's GET endpoints and classifies the responses
type Client struct {
	baseURL    string
	userID     string
	apiKey     string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// vendorResponse is the part of a vendor reply the client inspects
type vendorResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderid"`
}

// NewClient creates a vendor client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	log := config.Log
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		userID:     config.UserID,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		log:        log,
	}
}

// Call sends one purchase to endpoint. Transport errors and non-2xx
// responses are returned as errors with an OutcomeError result. Any 2xx
// response whose status is not a known failure is a success.
func (c *Client) Call(ctx context.Context, endpoint string, params url.Values, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	failed := settlement.FulfillmentResult{Outcome: settlement.OutcomeError}

	query := url.Values{}
	query.Set("UserID", c.userID)
	query.Set("APIKey", c.apiKey)
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return failed, fmt.Errorf("failed to create vendor request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderTransactionHash, req.ChainTxHash)
	httpReq.Header.Set(HeaderReferenceCode, req.ReferenceCode)

	log := c.log.WithFields(logrus.Fields{
		"reference_code": req.ReferenceCode,
		"tx_hash":        req.ChainTxHash,
		"endpoint":       endpoint,
	})

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return failed, fmt.Errorf("vendor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed, fmt.Errorf("failed to read vendor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WithField("http_status", resp.StatusCode).Warn("vendor returned error status")
		return failed, fmt.Errorf("vendor request failed (%d): %s", resp.StatusCode, string(body))
	}

	var decoded vendorResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		log.WithError(err).Warn("vendor response is not JSON")
	}

	result := settlement.FulfillmentResult{
		Outcome:      classify(decoded.Status),
		VendorStatus: decoded.Status,
		OrderID:      decoded.OrderID,
	}
	if json.Valid(body) {
		result.Raw = json.RawMessage(body)
	}

	if result.Outcome != settlement.OutcomeSuccess {
		log.WithField("vendor_status", decoded.Status).Warn("vendor rejected purchase")
	}
	return result, nil
}

func classify(status string) settlement.FulfillmentOutcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusInsufficientBalance:
		return settlement.OutcomeInsufficientBalance
	case StatusInvalidRecipient:
		return settlement.OutcomeInvalidRecipient
	default:
		return settlement.OutcomeSuccess
	}
}

// qactl is an admin CLI for the exchange's /admin/* REST surface.
//
// Its REST client follows the same shape as the teacher's
// internal/exchange/client.go — a resty.Client wrapped with base URL,
// timeout, and retry-on-5xx, one method per endpoint — repurposed from
// calling Polymarket's CLOB to calling our own admin API with a bearer
// admin token instead of L1/L2 signing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// envelope mirrors internal/server's REST response shape
// ({success, data?, error?}) — the admin CLI decodes into it directly
// rather than trusting resty's SetResult to see past the wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func decodeEnvelope(body []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if !env.Success {
		if env.Error == nil {
			return fmt.Errorf("request failed")
		}
		return fmt.Errorf("request failed: %s: %s", env.Error.Code, env.Error.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// Client is the admin REST client.
type Client struct {
	http *resty.Client
}

// NewClient creates an admin client against baseURL, authenticated with
// adminToken via bearer header.
func NewClient(baseURL, adminToken string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+adminToken).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

// InstrumentCreateRequest is the body for CreateInstrument.
type InstrumentCreateRequest struct {
	InstrumentID   string `json:"instrument_id"`
	Exchange       string `json:"exchange"`
	PriceTick      string `json:"price_tick"`
	VolumeMultiple int64  `json:"volume_multiple"`
	MarginRate     string `json:"margin_rate"`
}

// CreateInstrument registers a new tradable instrument.
func (c *Client) CreateInstrument(ctx context.Context, req InstrumentCreateRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/admin/instrument/create")
	if err != nil {
		return fmt.Errorf("create instrument: %w", err)
	}
	return decodeEnvelope(resp.Body(), nil)
}

// SettlementExecuteRequest is the body for ExecuteSettlement.
type SettlementExecuteRequest struct {
	TradingDay string `json:"trading_day"`
}

// SettlementResult summarizes one settlement run.
type SettlementResult struct {
	TradingDay        string   `json:"trading_day"`
	AccountsSettled   int      `json:"accounts_settled"`
	LiquidatedAccounts []string `json:"liquidated_accounts"`
}

// ExecuteSettlement triggers the daily settlement cycle out of band (the
// normal path is the cron schedule inside the server itself; this lets an
// operator force it for the given trading day).
func (c *Client) ExecuteSettlement(ctx context.Context, tradingDay string) (*SettlementResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(SettlementExecuteRequest{TradingDay: tradingDay}).
		Post("/admin/settlement/execute")
	if err != nil {
		return nil, fmt.Errorf("execute settlement: %w", err)
	}
	var result SettlementResult
	if err := decodeEnvelope(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("execute settlement: %w", err)
	}
	return &result, nil
}

// Diagnostics is the /admin/diagnostics response.
type Diagnostics struct {
	NodeID          string  `json:"node_id"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
	ReplicationRole string  `json:"replication_role"`
}

// GetDiagnostics fetches operational diagnostics from gopsutil-backed metrics.
func (c *Client) GetDiagnostics(ctx context.Context) (*Diagnostics, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/admin/diagnostics")
	if err != nil {
		return nil, fmt.Errorf("get diagnostics: %w", err)
	}
	var result Diagnostics
	if err := decodeEnvelope(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("get diagnostics: %w", err)
	}
	return &result, nil
}

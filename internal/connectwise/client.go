package connectwise

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const requestTimeout = 30 * time.Second

// ErrCompanyNotFound indicates the company identifier resolved to no
// ConnectWise company record. Tasks hitting this are failed, not retried.
var ErrCompanyNotFound = errors.New("company not found in ConnectWise")

// TransientError wraps failures worth retrying: network errors, timeouts,
// 5xx responses and 429 rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ConnectWise error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps 4xx responses (other than 429) that will not succeed
// on retry.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent ConnectWise error: status %d: %s", e.StatusCode, e.Body)
}

// Config holds ConnectWise Manage API connection settings
type Config struct {
	BaseURL    string
	Company    string
	PublicKey  string
	PrivateKey string
	ClientID   string

	ServiceBoard string
	StatusNew    string
	StatusClosed string
}

// Client is a ConnectWise Manage REST API client
type Client struct {
	config     Config
	httpClient *http.Client
	authHeader string
}

// NewClient creates a ConnectWise client. Authentication uses the Manage
// API key scheme: Basic base64(company+publicKey:privateKey) plus a clientId
// header.
func NewClient(cfg Config) *Client {
	auth := fmt.Sprintf("%s+%s:%s", cfg.Company, cfg.PublicKey, cfg.PrivateKey)
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(auth)),
	}
}

// Ticket is the subset of the ConnectWise service ticket we care about
type Ticket struct {
	ID      int    `json:"id"`
	Summary string `json:"summary"`
}

type companyRecord struct {
	ID         int    `json:"id"`
	Identifier string `json:"identifier"`
}

// ResolveCompany verifies a company identifier exists in ConnectWise.
// Returns ErrCompanyNotFound when no record matches.
func (c *Client) ResolveCompany(ctx context.Context, identifier string) error {
	conditions := fmt.Sprintf("identifier=\"%s\"", identifier)
	endpoint := fmt.Sprintf("/company/companies?conditions=%s&pageSize=1", url.QueryEscape(conditions))

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	var companies []companyRecord
	if err := json.Unmarshal(body, &companies); err != nil {
		return &TransientError{Err: fmt.Errorf("failed to parse company response: %w", err)}
	}
	if len(companies) == 0 {
		return fmt.Errorf("%w: %s", ErrCompanyNotFound, identifier)
	}
	return nil
}

// FindOpenTicket looks up an open ticket whose summary contains the given
// text. Returns nil when none exists.
func (c *Client) FindOpenTicket(ctx context.Context, summaryContains string) (*Ticket, error) {
	conditions := fmt.Sprintf("closedFlag=false AND summary contains '%s'", summaryContains)
	endpoint := fmt.Sprintf("/service/tickets?conditions=%s&pageSize=1", url.QueryEscape(conditions))

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var tickets []Ticket
	if err := json.Unmarshal(body, &tickets); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to parse ticket response: %w", err)}
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	return &tickets[0], nil
}

// CreateTicket creates a service ticket on the configured board and returns
// its ID. companyIdentifier may be empty, in which case the ticket lands on
// the API member's default company.
func (c *Client) CreateTicket(ctx context.Context, summary, description, companyIdentifier string) (string, error) {
	payload := map[string]interface{}{
		"summary":            summary,
		"recordType":         "ServiceTicket",
		"board":              map[string]string{"name": c.config.ServiceBoard},
		"status":             map[string]string{"name": c.config.StatusNew},
		"initialDescription": description,
	}
	if companyIdentifier != "" {
		payload["company"] = map[string]string{"identifier": companyIdentifier}
	}

	body, err := c.do(ctx, http.MethodPost, "/service/tickets", payload)
	if err != nil {
		return "", err
	}

	var ticket Ticket
	if err := json.Unmarshal(body, &ticket); err != nil {
		return "", &TransientError{Err: fmt.Errorf("failed to parse created ticket: %w", err)}
	}
	return strconv.Itoa(ticket.ID), nil
}

// CloseTicket moves a ticket to the configured closed status and attaches a
// resolution note. A failure to write the note is logged but not fatal; the
// status change is what closes the ticket.
func (c *Client) CloseTicket(ctx context.Context, ticketID, resolution string) error {
	patch := []map[string]interface{}{
		{"op": "replace", "path": "/status/name", "value": c.config.StatusClosed},
	}
	if _, err := c.do(ctx, http.MethodPatch, "/service/tickets/"+ticketID, patch); err != nil {
		return err
	}

	note := map[string]interface{}{
		"text":                  resolution,
		"detailDescriptionFlag": true,
		"internalAnalysisFlag":  false,
		"resolutionFlag":        true,
	}
	if _, err := c.do(ctx, http.MethodPost, "/service/tickets/"+ticketID+"/notes", note); err != nil {
		log.Printf("ConnectWise: failed to add resolution note to ticket %s: %v", ticketID, err)
	}

	return nil
}

// Ping checks API reachability for deep health checks
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/system/info", nil)
	return err
}

// do executes one API request and classifies failures into the transient /
// permanent taxonomy.
func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.ClientID != "" {
		req.Header.Set("clientId", c.config.ClientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	default:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
}

// IsTransient reports whether an error is worth retrying
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

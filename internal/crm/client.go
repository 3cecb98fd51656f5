package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/js-owl/maas-back/pkg/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	maxListPages   = 50
)

// Options configures a Client. BaseURL is the CRM inbound webhook URL,
// e.g. https://company.bitrix24.ru/rest/1/secret
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client performs typed calls against the CRM REST API
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "crm_client"),
	}
}

func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// CreateDeal adds a deal and returns its id
func (c *Client) CreateDeal(ctx context.Context, fields Fields) (int64, error) {
	return c.add(ctx, "crm.deal.add", fields)
}

func (c *Client) UpdateDeal(ctx context.Context, id int64, fields Fields) error {
	return c.call(ctx, "crm.deal.update", map[string]any{"id": id, "fields": fields}, nil)
}

func (c *Client) GetDeal(ctx context.Context, id int64) (Deal, error) {
	var w wireDeal
	if err := c.call(ctx, "crm.deal.get", map[string]any{"id": id}, &w); err != nil {
		return Deal{}, err
	}
	return w.toDeal(), nil
}

func (c *Client) DeleteDeal(ctx context.Context, id int64) error {
	return c.call(ctx, "crm.deal.delete", map[string]any{"id": id}, nil)
}

// ListDeals returns every deal matching filter, following pagination
func (c *Client) ListDeals(ctx context.Context, filter map[string]any) ([]Deal, error) {
	params := map[string]any{
		"filter": filter,
		"select": []string{"ID", "TITLE", "STAGE_ID", "CATEGORY_ID", "CONTACT_ID", "OPPORTUNITY", "DATE_CREATE"},
		"order":  map[string]string{"DATE_CREATE": "ASC", "ID": "ASC"},
	}

	var deals []Deal
	start := 0
	for page := 0; page < maxListPages; page++ {
		params["start"] = start

		var batch []wireDeal
		env, err := c.do(ctx, "crm.deal.list", params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, fmt.Errorf("crm crm.deal.list: decode result: %w", err)
		}
		for _, w := range batch {
			deals = append(deals, w.toDeal())
		}

		if env.Next == nil || *env.Next <= start {
			return deals, nil
		}
		start = *env.Next
	}

	c.logger.Warn("deal listing truncated", "pages", maxListPages, "count", len(deals))
	return deals, nil
}

func (c *Client) CreateContact(ctx context.Context, fields Fields) (int64, error) {
	return c.add(ctx, "crm.contact.add", fields)
}

func (c *Client) UpdateContact(ctx context.Context, id int64, fields Fields) error {
	return c.call(ctx, "crm.contact.update", map[string]any{"id": id, "fields": fields}, nil)
}

func (c *Client) GetContact(ctx context.Context, id int64) (Contact, error) {
	var w wireContact
	if err := c.call(ctx, "crm.contact.get", map[string]any{"id": id}, &w); err != nil {
		return Contact{}, err
	}
	return Contact{ID: int64(w.ID), Name: w.Name, LastName: w.LastName}, nil
}

// DealCategories lists the configured deal pipelines
func (c *Client) DealCategories(ctx context.Context) ([]Category, error) {
	var ws []wireCategory
	params := map[string]any{"order": map[string]string{"SORT": "ASC"}}
	if err := c.call(ctx, "crm.dealcategory.list", params, &ws); err != nil {
		return nil, err
	}
	out := make([]Category, 0, len(ws))
	for _, w := range ws {
		out = append(out, Category{ID: int(w.ID), Name: w.Name, Sort: int(w.Sort)})
	}
	return out, nil
}

// CategoryStages lists the stages of a deal pipeline; category 0 is the default pipeline
func (c *Client) CategoryStages(ctx context.Context, categoryID int) ([]Stage, error) {
	entityID := "DEAL_STAGE"
	if categoryID > 0 {
		entityID = "DEAL_STAGE_" + strconv.Itoa(categoryID)
	}

	var ws []wireStage
	if err := c.call(ctx, "crm.status.entity.items", map[string]any{"entityId": entityID}, &ws); err != nil {
		return nil, err
	}
	out := make([]Stage, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toStage())
	}
	return out, nil
}

// CreateDealCategory creates a deal pipeline with the given stages and
// returns its category id
func (c *Client) CreateDealCategory(ctx context.Context, name string, stages []Stage) (int, error) {
	ws := make([]map[string]any, 0, len(stages))
	for _, s := range stages {
		semantics := s.Semantics
		if semantics == "" {
			semantics = "P"
		}
		ws = append(ws, map[string]any{
			"NAME":      s.Name,
			"SORT":      s.Sort,
			"COLOR":     "#3465A4",
			"SEMANTICS": semantics,
		})
	}

	var id flexInt
	params := map[string]any{"fields": map[string]any{"NAME": name, "STAGES": ws}}
	if err := c.call(ctx, "crm.dealcategory.add", params, &id); err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, &Error{Method: "crm.dealcategory.add", StatusCode: http.StatusOK, Message: "no id in add response"}
	}
	return int(id), nil
}

func (c *Client) add(ctx context.Context, method string, fields Fields) (int64, error) {
	var id flexInt
	params := map[string]any{
		"fields": fields,
		"params": map[string]string{"REGISTER_SONET_EVENT": "N"},
	}
	if err := c.call(ctx, method, params, &id); err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, &Error{Method: method, StatusCode: http.StatusOK, Message: "no id in add response"}
	}
	return int64(id), nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	env, err := c.do(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("crm %s: decode result: %w", method, err)
	}
	return nil
}

// do executes one REST call bounded by the client timeout
func (c *Client) do(ctx context.Context, method string, params any) (env envelope, err error) {
	if !c.Configured() {
		return env, ErrNotConfigured
	}

	start := time.Now()
	defer func() {
		metrics.CRMRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		metrics.CRMRequests.WithLabelValues(method, Classify(err).String()).Inc()
	}()

	body, err := json.Marshal(params)
	if err != nil {
		return env, fmt.Errorf("crm %s: encode params: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return env, fmt.Errorf("crm %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return env, fmt.Errorf("crm %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return env, fmt.Errorf("crm %s: read body: %w", method, err)
	}

	_ = json.Unmarshal(payload, &env)

	failed := env.Error != "" || (env.ErrorDescription != "" && len(env.Result) == 0)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || failed {
		status := resp.StatusCode
		if status >= 200 && status <= 299 {
			status = http.StatusBadRequest
		}
		msg := env.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		crmErr := &Error{
			Method:     method,
			StatusCode: status,
			Code:       env.Error,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		c.logger.Debug("crm call failed", "method", method, "status", status, "code", env.Error, "message", msg)
		return env, crmErr
	}

	return env, nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

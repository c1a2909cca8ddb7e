package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"rallymigrate/config"
	"rallymigrate/utils"
)

// APIPath は Rally WSAPI のベースパスです
const APIPath = "/slm/webservice/v2.0"

// MaxPageSize は Rally が許容する最大ページサイズです
const MaxPageSize = 2000

// RallyClient は Rally WSAPI とのやり取りを処理します
type RallyClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	pageSize int
}

// NewRallyClient は新しい Rally クライアントを作成します
func NewRallyClient(ep config.Endpoint, cfg *config.Config) *RallyClient {
	c := &RallyClient{
		baseURL:  strings.TrimRight(ep.URL, "/") + APIPath,
		apiKey:   ep.APIKey,
		client:   &http.Client{},
		timeout:  cfg.RequestTimeout,
		pageSize: cfg.PageSize,
	}
	if c.pageSize <= 0 || c.pageSize > MaxPageSize {
		c.pageSize = MaxPageSize
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// BaseURL は API のベース URL を返します
func (c *RallyClient) BaseURL() string {
	return c.baseURL
}

// QueryParams はクエリエンドポイントのパラメータです
type QueryParams struct {
	Query            string `url:"query,omitempty"`
	Fetch            string `url:"fetch,omitempty"`
	Order            string `url:"order,omitempty"`
	Types            string `url:"types,omitempty"`
	Workspace        string `url:"workspace,omitempty"`
	Project          string `url:"project,omitempty"`
	ProjectScopeUp   *bool  `url:"projectScopeUp,omitempty"`
	ProjectScopeDown *bool  `url:"projectScopeDown,omitempty"`
	PageSize         int    `url:"pagesize,omitempty"`
	Start            int    `url:"start,omitempty"`
}

// Bool は QueryParams のスコープ指定用ヘルパーです
func Bool(b bool) *bool {
	return &b
}

type queryResponse struct {
	QueryResult struct {
		TotalResultCount int               `json:"TotalResultCount"`
		StartIndex       int               `json:"StartIndex"`
		PageSize         int               `json:"PageSize"`
		Results          []json.RawMessage `json:"Results"`
		Errors           []string          `json:"Errors"`
		Warnings         []string          `json:"Warnings"`
	} `json:"QueryResult"`
}

type createResponse struct {
	CreateResult struct {
		Object   json.RawMessage `json:"Object"`
		Errors   []string        `json:"Errors"`
		Warnings []string        `json:"Warnings"`
	} `json:"CreateResult"`
}

type operationResponse struct {
	OperationResult struct {
		Object        json.RawMessage `json:"Object"`
		Errors        []string        `json:"Errors"`
		Warnings      []string        `json:"Warnings"`
		SecurityToken string          `json:"SecurityToken"`
	} `json:"OperationResult"`
}

// CheckAuth は API キーで認証できるかを確認します
func (c *RallyClient) CheckAuth(ctx context.Context) error {
	var resp operationResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/security/authorize", nil, &resp); err != nil {
		return err
	}
	if len(resp.OperationResult.Errors) > 0 {
		return &RemoteErrors{Op: "認証", Errors: resp.OperationResult.Errors}
	}
	return nil
}

// Query は型のクエリエンドポイントを全ページ分取得します
func (c *RallyClient) Query(ctx context.Context, typePath string, params QueryParams) ([]json.RawMessage, error) {
	return c.queryAll(ctx, c.baseURL+"/"+strings.ToLower(typePath), params)
}

// QueryRef はコレクション参照 (_ref) を全ページ分取得します
func (c *RallyClient) QueryRef(ctx context.Context, ref string, params QueryParams) ([]json.RawMessage, error) {
	return c.queryAll(ctx, c.resolveRef(ref), params)
}

func (c *RallyClient) queryAll(ctx context.Context, endpoint string, params QueryParams) ([]json.RawMessage, error) {
	if params.PageSize == 0 {
		params.PageSize = c.pageSize
	}
	start := 1
	var all []json.RawMessage
	for {
		params.Start = start
		values, err := query.Values(params)
		if err != nil {
			return nil, errors.Annotate(err, "クエリパラメータ作成エラー")
		}

		var resp queryResponse
		if err := c.do(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		qr := resp.QueryResult
		if len(qr.Errors) > 0 {
			return nil, &RemoteErrors{Op: "クエリ " + endpoint, Errors: qr.Errors}
		}
		all = append(all, qr.Results...)

		if len(qr.Results) == 0 || start+len(qr.Results)-1 >= qr.TotalResultCount {
			return all, nil
		}
		start += len(qr.Results)
	}
}

// Get は単一レコードを取得します
func (c *RallyClient) Get(ctx context.Context, typePath, id string, v interface{}) error {
	var resp map[string]json.RawMessage
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, strings.ToLower(typePath), id)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return err
	}
	for key, raw := range resp {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return errors.Annotatef(err, "%s %s のレスポンス解析エラー", typePath, id)
		}
		return nil
	}
	return errors.NotFoundf("%s %s", typePath, id)
}

// Create はレコードを作成し、作成されたオブジェクトを返します
func (c *RallyClient) Create(ctx context.Context, typePath string, params url.Values, body interface{}) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/create", c.baseURL, strings.ToLower(typePath))
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var resp createResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.CreateResult.Errors) > 0 {
		return nil, &RemoteErrors{Op: typePath + " 作成", Errors: resp.CreateResult.Errors}
	}
	for _, w := range resp.CreateResult.Warnings {
		utils.LogDebug("%s 作成の警告: %s", typePath, w)
	}
	return resp.CreateResult.Object, nil
}

// Update はレコードを更新します
func (c *RallyClient) Update(ctx context.Context, typePath, id string, body interface{}) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, strings.ToLower(typePath), id)

	var resp operationResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.OperationResult.Errors) > 0 {
		return nil, &RemoteErrors{Op: typePath + " 更新", Errors: resp.OperationResult.Errors}
	}
	return resp.OperationResult.Object, nil
}

// resolveRef は相対参照を絶対 URL に変換します
func (c *RallyClient) resolveRef(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return c.baseURL + "/" + strings.TrimLeft(ref, "/")
}

// do はリクエストを送信し、レスポンスを out にデコードします
func (c *RallyClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("JSONエンコードエラー: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("リクエスト作成エラー: %w", err)
	}
	req.Header.Set("zsessionid", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンス解析エラー: %w", err)
	}
	return nil
}

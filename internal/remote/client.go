package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"imagestudio/internal/config"
)

var ErrAPI = errors.New("remote api error")

const (
	appID         = "497858"
	versionCode   = "20800"
	pcVersion     = "2.12.0"
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	maxErrorBody  = 2048
	launchPath    = "/alice/user/launch"
	heartbeatPath = "/ttwid/check/"
	refreshPath   = "/chat/create-image"

	heartbeatOK = 2001
)

type Credentials struct {
	Cookie  string
	MsToken string
	ABogus  string
}

// Client talks to the image generation web API. It owns the account credentials and the
// launch session (web id) shared by every request.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	webID string
}

func NewClient(baseURL string, creds Credentials, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		log:     log.With().Str("component", "remote").Logger(),
	}
}

func NewClientFromConfig(cfg config.RemoteConfig, log zerolog.Logger) *Client {
	httpClient := NewRetryingClient(PolicyFromConfig(cfg.Retry), cfg.Timeout, log)
	return NewClient(cfg.BaseURL, Credentials{
		Cookie:  cfg.Cookie,
		MsToken: cfg.MsToken,
		ABogus:  cfg.ABogus,
	}, httpClient, log)
}

func (c *Client) HTTP() *http.Client {
	return c.http
}

func (c *Client) WebID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webID
}

// Params returns the query parameters every API call carries.
func (c *Client) Params() url.Values {
	q := url.Values{}
	q.Set("aid", appID)
	q.Set("real_aid", appID)
	q.Set("device_platform", "web")
	q.Set("language", "zh")
	q.Set("pc_version", pcVersion)
	q.Set("pkg_type", "release_version")
	q.Set("region", "CN")
	q.Set("sys_region", "CN")
	q.Set("samantha_web", "1")
	q.Set("use-olympus-account", "1")
	q.Set("version_code", versionCode)
	if id := c.WebID(); id != "" {
		q.Set("web_id", id)
		q.Set("device_id", id)
		q.Set("tea_uuid", id)
	}
	q.Set("msToken", c.creds.MsToken)
	return q
}

// ParamsWithBogus adds the a_bogus signature some endpoints demand in the query string.
func (c *Client) ParamsWithBogus() url.Values {
	q := c.Params()
	q.Set("a_bogus", c.creds.ABogus)
	return q
}

func (c *Client) Headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Agw-Js-Conv", "str")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", c.baseURL)
	h.Set("Referer", c.baseURL+refreshPath)
	h.Set("User-Agent", userAgent)
	h.Set("Cookie", c.creds.Cookie)
	h.Set("X-Bogus", c.creds.ABogus)
	h.Set("MsToken", c.creds.MsToken)
	return h
}

// NewRequest builds a request against path with the account headers applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = c.Headers()
	return req, nil
}

// PostJSON sends payload as JSON and decodes a 200 response into out.
func (c *Client) PostJSON(ctx context.Context, path string, query url.Values, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.NewRequest(ctx, http.MethodPost, path, query, body)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := CheckStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// CheckStatus turns a non-200 response into an ErrAPI carrying a bounded body excerpt.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w: %s returned %d: %s", ErrAPI, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
}

type launchResponse struct {
	Code int `json:"code"`
	Data struct {
		Config struct {
			WebID string `json:"web_id"`
			TTWID string `json:"ttwid"`
		} `json:"config"`
	} `json:"data"`
}

// InitSession runs the launch call and stores the web id used by subsequent requests.
func (c *Client) InitSession(ctx context.Context) error {
	payload := map[string]any{
		"select": map[string]bool{
			"launch_config":      true,
			"assistant_bot_info": true,
			"landing_config":     true,
			"user_info":          true,
		},
	}
	var resp launchResponse
	if err := c.PostJSON(ctx, launchPath, c.ParamsWithBogus(), payload, &resp); err != nil {
		return fmt.Errorf("launch session: %w", err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("%w: launch code %d", ErrAPI, resp.Code)
	}

	c.mu.Lock()
	c.webID = resp.Data.Config.WebID
	c.mu.Unlock()

	c.log.Info().Str("web_id", resp.Data.Config.WebID).Msg("remote session initialised")
	return nil
}

type heartbeatResponse struct {
	StatusCode    int `json:"status_code"`
	SubStatusCode int `json:"sub_status_code"`
}

// Heartbeat keeps the account session alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	payload := map[string]any{
		"aid":              497858,
		"service":          strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://"),
		"host":             "",
		"unionHost":        "",
		"union":            false,
		"needFid":          false,
		"fid":              "",
		"migrate_priority": 0,
	}
	var resp heartbeatResponse
	if err := c.PostJSON(ctx, heartbeatPath, nil, payload, &resp); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if resp.StatusCode != 0 || resp.SubStatusCode != heartbeatOK {
		return fmt.Errorf("%w: heartbeat status %d/%d", ErrAPI, resp.StatusCode, resp.SubStatusCode)
	}
	return nil
}

// RefreshToken revisits the create-image page so the account tokens stay valid.
func (c *Client) RefreshToken(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodGet, refreshPath, c.ParamsWithBogus(), nil)
	if err != nil {
		return err
	}
	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return nil
}

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"imagestudio/internal/config"
	"imagestudio/internal/remote"
	"imagestudio/internal/security"
)

const (
	authTokenPath      = "/alice/upload/auth_token"
	backgroundMaskPath = "/samantha/image/image_get_background_mask"

	rawUploadOK = 2000
)

var (
	ErrToken     = errors.New("upload token acquisition failed")
	ErrApply     = errors.New("apply upload failed")
	ErrRawUpload = errors.New("raw upload failed")
	ErrCommit    = errors.New("commit upload failed")
)

// Client runs the five step upload against the image service. Apply and commit are
// signed and sent without retries; the other steps use the account's retrying client.
type Client struct {
	remote *remote.Client
	signed *http.Client
	signer security.SigV4Signer
	cfg    config.UploadConfig
	scheme string
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*Client)

// WithScheme overrides the https scheme used for the image service and upload hosts.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.signer.Now = now
	}
}

func NewClient(rc *remote.Client, cfg config.UploadConfig, signed *http.Client, log zerolog.Logger, opts ...Option) *Client {
	if signed == nil {
		signed = remote.NewPlainClient(30 * time.Second)
	}
	c := &Client{
		remote: rc,
		signed: signed,
		signer: security.SigV4Signer{Host: cfg.Host, Region: cfg.Region, Service: cfg.Service},
		cfg:    cfg,
		scheme: "https",
		now:    time.Now,
		log:    log.With().Str("component", "upload").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload pushes data through every step in order. Errors returned are fatal: nothing was
// committed. A post-processing failure is reported through Result instead, with ImageKey set.
func (c *Client) Upload(ctx context.Context, data []byte) (Result, error) {
	creds, err := c.token(ctx)
	if err != nil {
		return Result{}, err
	}

	addr, err := c.apply(ctx, creds, len(data))
	if err != nil {
		return Result{}, err
	}
	store := addr.StoreInfos[0]

	if err := c.rawUpload(ctx, addr.UploadHosts[0], store, data); err != nil {
		return Result{}, err
	}
	if err := c.commit(ctx, creds, addr.SessionKey); err != nil {
		return Result{}, err
	}
	c.log.Info().Str("image_key", store.StoreURI).Int("size", len(data)).Msg("upload committed")

	return Committed(store.StoreURI).Merge(c.backgroundMask(ctx, store.StoreURI)), nil
}

type tokenResponse struct {
	Code int `json:"code"`
	Data struct {
		Auth struct {
			AccessKeyID     string `json:"access_key_id"`
			SecretAccessKey string `json:"secret_access_key"`
			SessionToken    string `json:"session_token"`
		} `json:"auth"`
	} `json:"data"`
}

func (c *Client) token(ctx context.Context) (security.UploadCredentials, error) {
	payload := map[string]string{"scene": "bot_chat", "data_type": "file"}
	var resp tokenResponse
	if err := c.remote.PostJSON(ctx, authTokenPath, c.remote.ParamsWithBogus(), payload, &resp); err != nil {
		return security.UploadCredentials{}, fmt.Errorf("%w: %w", ErrToken, err)
	}
	if resp.Code != 0 {
		return security.UploadCredentials{}, fmt.Errorf("%w: code %d", ErrToken, resp.Code)
	}
	auth := resp.Data.Auth
	if auth.AccessKeyID == "" || auth.SecretAccessKey == "" {
		return security.UploadCredentials{}, fmt.Errorf("%w: empty credentials", ErrToken)
	}
	return security.UploadCredentials{
		AccessKeyID:     auth.AccessKeyID,
		SecretAccessKey: auth.SecretAccessKey,
		SessionToken:    auth.SessionToken,
	}, nil
}

type responseMetadata struct {
	Error *struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Error"`
}

type storeInfo struct {
	StoreURI string `json:"StoreUri"`
	Auth     string `json:"Auth"`
}

type uploadAddress struct {
	StoreInfos  []storeInfo `json:"StoreInfos"`
	UploadHosts []string    `json:"UploadHosts"`
	SessionKey  string      `json:"SessionKey"`
}

type applyResponse struct {
	ResponseMetadata responseMetadata `json:"ResponseMetadata"`
	Result           struct {
		UploadAddress uploadAddress `json:"UploadAddress"`
	} `json:"Result"`
}

func (c *Client) apply(ctx context.Context, creds security.UploadCredentials, size int) (uploadAddress, error) {
	params := map[string]string{
		"Action":        "ApplyImageUpload",
		"Version":       c.cfg.APIVersion,
		"ServiceId":     c.cfg.ServiceID,
		"FileSize":      strconv.Itoa(size),
		"FileExtension": c.cfg.FileExtension,
		"s":             GenerateS(c.now()),
	}
	signed := c.signer.Sign(creds, http.MethodGet, params, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.signedURL(signed), nil)
	if err != nil {
		return uploadAddress{}, fmt.Errorf("%w: %w", ErrApply, err)
	}
	setSignedHeaders(req, signed, creds)

	var resp applyResponse
	if err := c.doSigned(req, &resp); err != nil {
		return uploadAddress{}, fmt.Errorf("%w: %w", ErrApply, err)
	}
	if e := resp.ResponseMetadata.Error; e != nil {
		return uploadAddress{}, fmt.Errorf("%w: %s - %s", ErrApply, e.Code, e.Message)
	}
	addr := resp.Result.UploadAddress
	if len(addr.StoreInfos) == 0 || len(addr.UploadHosts) == 0 {
		return uploadAddress{}, fmt.Errorf("%w: response carries no upload address", ErrApply)
	}
	return addr, nil
}

type rawUploadResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) rawUpload(ctx context.Context, host string, store storeInfo, data []byte) error {
	target := fmt.Sprintf("%s://%s/upload/v1/%s", c.scheme, host, store.StoreURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRawUpload, err)
	}
	req.Header.Set("Authorization", store.Auth)
	req.Header.Set("Content-CRC32", fmt.Sprintf("%08x", crc32.ChecksumIEEE(data)))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "image"+c.cfg.FileExtension))

	resp, err := c.remote.HTTP().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRawUpload, err)
	}
	defer resp.Body.Close()

	var body rawUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: status %d: decode: %w", ErrRawUpload, resp.StatusCode, err)
	}
	if body.Code != rawUploadOK {
		return fmt.Errorf("%w: code %d %s", ErrRawUpload, body.Code, body.Message)
	}
	return nil
}

// CommitPayload renders the commit body. The same bytes are hashed and sent.
func CommitPayload(sessionKey string) ([]byte, error) {
	key, err := json.Marshal(sessionKey)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(`{"SessionKey": `), key...), '}'), nil
}

func (c *Client) commit(ctx context.Context, creds security.UploadCredentials, sessionKey string) error {
	payload, err := CommitPayload(sessionKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	params := map[string]string{
		"Action":    "CommitImageUpload",
		"Version":   c.cfg.APIVersion,
		"ServiceId": c.cfg.ServiceID,
	}
	signed := c.signer.Sign(creds, http.MethodPost, params, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signedURL(signed), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	setSignedHeaders(req, signed, creds)
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ResponseMetadata responseMetadata `json:"ResponseMetadata"`
	}
	if err := c.doSigned(req, &resp); err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	if e := resp.ResponseMetadata.Error; e != nil {
		return fmt.Errorf("%w: %s - %s", ErrCommit, e.Code, e.Message)
	}
	return nil
}

type backgroundMaskResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	URL               string `json:"url"`
	Mask              string `json:"mask"`
	WithoutBackground bool   `json:"without_background"`
	Data              *struct {
		URL               string `json:"url"`
		Mask              string `json:"mask"`
		WithoutBackground bool   `json:"without_background"`
	} `json:"data"`
}

func (c *Client) backgroundMask(ctx context.Context, imageKey string) PostProcess {
	payload := map[string]any{"tos_key": imageKey, "is_from_local": true}
	var resp backgroundMaskResponse
	if err := c.remote.PostJSON(ctx, backgroundMaskPath, c.remote.ParamsWithBogus(), payload, &resp); err != nil {
		c.log.Error().Err(err).Str("image_key", imageKey).Str("step", "background_mask").Msg("post-processing failed")
		return PostProcess{Err: err}
	}
	if resp.Code != 0 {
		err := fmt.Errorf("%w: background mask code %d %s", remote.ErrAPI, resp.Code, resp.Msg)
		c.log.Error().Err(err).Str("image_key", imageKey).Str("step", "background_mask").Msg("post-processing failed")
		return PostProcess{Err: err}
	}

	pp := PostProcess{MainURL: resp.URL, MaskURL: resp.URL, Mask: resp.Mask, WithoutBackground: resp.WithoutBackground}
	if d := resp.Data; d != nil {
		if d.URL != "" {
			pp.MainURL, pp.MaskURL = d.URL, d.URL
		}
		if d.Mask != "" {
			pp.Mask = d.Mask
		}
		pp.WithoutBackground = pp.WithoutBackground || d.WithoutBackground
	}
	return pp
}

func (c *Client) signedURL(signed security.SignedRequest) string {
	return fmt.Sprintf("%s://%s/?%s", c.scheme, c.cfg.Host, signed.CanonicalQuery)
}

func setSignedHeaders(req *http.Request, signed security.SignedRequest, creds security.UploadCredentials) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set(security.HeaderAmzDate, signed.AmzDate)
	req.Header.Set(security.HeaderAmzToken, creds.SessionToken)
}

func (c *Client) doSigned(req *http.Request, out any) error {
	resp, err := c.signed.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := remote.CheckStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Package asr submits recordings to an asynchronous speech-recognition
// task API and polls for results. The wire protocol is Tencent Cloud's
// recording-file recognition service (CreateRecTask/DescribeTaskStatus
// with TC3-HMAC-SHA256 signing).
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/remote"
)

const (
	defaultEndpoint = "https://asr.tencentcloudapi.com"
	apiVersion      = "2019-06-14"
	service         = "asr"
)

// TaskState is the remote task lifecycle as reported by polling.
type TaskState int

const (
	StateWaiting TaskState = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskStatus is one poll observation.
type TaskStatus struct {
	TaskID   uint64
	State    TaskState
	Text     string
	ErrorMsg string
}

// Terminal reports whether polling can stop.
func (s *TaskStatus) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// Config carries credentials and tuning for the task API.
type Config struct {
	SecretID    string
	SecretKey   string
	Region      string
	EngineModel string
	Endpoint    string // default https://asr.tencentcloudapi.com
}

// Client is a minimal signed JSON client for the task API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	log        zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.EngineModel == "" {
		cfg.EngineModel = "16k_zh"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
		log:        log.With().Str("component", "asr").Logger(),
	}
}

// Submit creates one recognition task for the audio at audioURL and
// returns the remote task ID.
func (c *Client) Submit(ctx context.Context, audioURL string) (uint64, error) {
	payload := map[string]any{
		"EngineModelType": c.cfg.EngineModel,
		"ChannelNum":      1,
		"ResTextFormat":   0,
		"SourceType":      0,
		"Url":             audioURL,
	}
	body, err := c.do(ctx, "CreateRecTask", payload)
	if err != nil {
		return 0, err
	}

	var out struct {
		Response struct {
			Data struct {
				TaskId uint64 `json:"TaskId"`
			} `json:"Data"`
		} `json:"Response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, remote.Wrap(remote.KindFormat, fmt.Errorf("parse CreateRecTask response: %w", err))
	}
	if out.Response.Data.TaskId == 0 {
		return 0, remote.Errorf(remote.KindFormat, "CreateRecTask response carried no task id")
	}
	c.log.Debug().Uint64("task_id", out.Response.Data.TaskId).Msg("task submitted")
	return out.Response.Data.TaskId, nil
}

// Poll reads one status observation for taskID.
func (c *Client) Poll(ctx context.Context, taskID uint64) (*TaskStatus, error) {
	body, err := c.do(ctx, "DescribeTaskStatus", map[string]any{"TaskId": taskID})
	if err != nil {
		return nil, err
	}

	var out struct {
		Response struct {
			Data struct {
				TaskId   uint64 `json:"TaskId"`
				Status   int    `json:"Status"`
				Result   string `json:"Result"`
				ErrorMsg string `json:"ErrorMsg"`
			} `json:"Data"`
		} `json:"Response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, remote.Wrap(remote.KindFormat, fmt.Errorf("parse DescribeTaskStatus response: %w", err))
	}

	st := &TaskStatus{
		TaskID:   taskID,
		Text:     out.Response.Data.Result,
		ErrorMsg: out.Response.Data.ErrorMsg,
	}
	switch out.Response.Data.Status {
	case 0:
		st.State = StateWaiting
	case 1:
		st.State = StateRunning
	case 2:
		st.State = StateSucceeded
	case 3:
		st.State = StateFailed
	default:
		return nil, remote.Errorf(remote.KindFormat, "unknown task status %d", out.Response.Data.Status)
	}
	return st, nil
}

// do signs and executes one API action, returning the raw body after
// surfacing any API-level error envelope as a classified error.
func (c *Client) do(ctx context.Context, action string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}

	host := req.URL.Host
	authorization, timestamp := sign(
		c.cfg.SecretID, c.cfg.SecretKey, host, service, action, string(data), c.now())

	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-TC-Action", action)
	req.Header.Set("X-TC-Timestamp", timestamp)
	req.Header.Set("X-TC-Version", apiVersion)
	req.Header.Set("X-TC-Region", c.cfg.Region)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Wrap(remote.KindConnection, fmt.Errorf("read %s response: %w", action, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remote.Errorf(remote.KindService, "%s: API error (status %d): %s",
			action, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// API errors arrive as 200s with an error envelope
	var envelope struct {
		Response struct {
			Error *struct {
				Code    string `json:"Code"`
				Message string `json:"Message"`
			} `json:"Error"`
		} `json:"Response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, remote.Wrap(remote.KindFormat, fmt.Errorf("parse %s envelope: %w", action, err))
	}
	if e := envelope.Response.Error; e != nil {
		return nil, classifyAPIError(e.Code, e.Message)
	}
	return body, nil
}

// classifyAPIError maps the service's error codes onto retry classes.
func classifyAPIError(code, message string) error {
	switch {
	case strings.HasPrefix(code, "AuthFailure"):
		return remote.Errorf(remote.KindAuth, "%s: %s", code, message)
	case strings.HasPrefix(code, "RequestLimitExceeded"):
		return remote.Errorf(remote.KindRateLimit, "%s: %s", code, message)
	case code == "FailedOperation.ServiceIsolate",
		code == "FailedOperation.UserHasNoFreeAmount",
		code == "FailedOperation.UserNotRegistered":
		return remote.Errorf(remote.KindBalance, "%s: %s", code, message)
	default:
		return remote.Errorf(remote.KindService, "%s: %s", code, message)
	}
}

// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package workerclient implements the signed HTTP/JSON RPC contract
// between the orchestrator and the external Execution Worker:
// run_agent, merge_branch and cleanup. Every request carries an
// X-Timestamp/X-Signature pair computed as
// hex(HMAC-SHA256(secret, timestamp||body)); the server is expected to
// reject requests whose timestamp has skewed more than 300s or whose
// signature does not match.
package workerclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"

	"taskforge/internal/telemetry"
)

// MaxClockSkew is the maximum tolerated difference between a request's
// X-Timestamp and wall-clock time, in either direction.
const MaxClockSkew = 300 * time.Second

// Sign computes the hex-encoded HMAC-SHA256 signature of a request:
// HMAC(secret, timestamp_bytes || body_bytes), matching the Worker's
// own verification exactly (timestamp and body are concatenated with
// no separator).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature re-derives the expected signature for (timestamp,
// body) and compares it against signature in constant time. It also
// enforces the clock-skew window. Provided for symmetry/testability;
// the Worker's own verification is out of scope for this module.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	if timestamp == "" || signature == "" {
		return fmt.Errorf("workerclient: missing timestamp or signature")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("workerclient: invalid timestamp: %w", err)
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return fmt.Errorf("workerclient: timestamp skew %ds exceeds %s", skew, MaxClockSkew)
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("workerclient: signature mismatch")
	}
	return nil
}

// Client is a signed HTTP/JSON RPC client for the Execution Worker.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// New creates a Worker Client. httpClient may be nil, in which case
// http.DefaultClient is used (callers should normally pass one with an
// explicit Timeout set per-call via context instead).
func New(baseURL, secretKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: httpClient,
	}
}

// TransportError indicates the Worker could not be reached at all
// (connection refused, DNS failure, context deadline exceeded before a
// response was read). The Runner retries these with a fixed backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("worker transport error (%s): %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError indicates the Worker responded with a non-2xx HTTP
// status. Not retried.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned status %d for %s: %s", e.Status, e.Op, e.Body)
}

func (c *Client) do(ctx context.Context, op, endpoint string, reqBody interface{}, respBody interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "taskforge/workerclient", "workerclient."+op)
	defer span.End()
	telemetry.AddAttributes(ctx, telemetry.WorkerAttrs(op, endpoint)...)

	body, err := json.Marshal(reqBody)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("marshal request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := Sign(c.secretKey, timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.RecordError(ctx, err, telemetry.DurationAttrs(time.Since(start))...)
		telemetry.SetSpanStatus(ctx, codes.Error, "transport error")
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.RecordError(ctx, err, telemetry.DurationAttrs(time.Since(start))...)
		telemetry.SetSpanStatus(ctx, codes.Error, "transport error")
		return &TransportError{Op: op, Err: err}
	}
	telemetry.AddAttributes(ctx, telemetry.DurationAttrs(time.Since(start))...)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Op: op, Status: resp.StatusCode, Body: string(respData)}
		telemetry.RecordError(ctx, statusErr)
		telemetry.SetSpanStatus(ctx, codes.Error, "status error")
		return statusErr
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	telemetry.AddAttributes(ctx, telemetry.AttrSuccess.Bool(true))
	return nil
}

// --- run_agent ---------------------------------------------------------

// RunAgentTaskRequest is the task slice of a run_agent request.
type RunAgentTaskRequest struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AgentRole          string   `json:"agent_role"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// RunAgentProjectRequest is the project slice of a run_agent request.
type RunAgentProjectRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	RepoPath    string            `json:"repo_path"`
	Config      map[string]string `json:"config"`
}

// RunAgentRequest is the full run_agent request payload.
type RunAgentRequest struct {
	AttemptID     string                 `json:"attempt_id"`
	Task          RunAgentTaskRequest    `json:"task"`
	Project       RunAgentProjectRequest `json:"project"`
	WritableRoots []string               `json:"writable_roots"`
	Model         string                 `json:"model"`
}

// GateOutcome is one entry of a run_agent response's gate_results map.
type GateOutcome struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// RunAgentResponse is the full run_agent response payload.
type RunAgentResponse struct {
	Success      bool                   `json:"success"`
	GitBranch    string                 `json:"git_branch"`
	WorktreePath string                 `json:"worktree_path"`
	Diff         string                 `json:"diff"`
	FilesChanged []string               `json:"files_changed"`
	Output       string                 `json:"output"`
	Error        string                 `json:"error"`
	GateResults  map[string]GateOutcome `json:"gate_results"`
}

// RunAgent invokes the Worker's run_agent endpoint. Callers are
// expected to bound ctx with the per-attempt execution timeout.
func (c *Client) RunAgent(ctx context.Context, req RunAgentRequest) (*RunAgentResponse, error) {
	var resp RunAgentResponse
	if err := c.do(ctx, "run_agent", "/api/v1/agent/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- merge_branch --------------------------------------------------------

// MergeBranchRequest is the merge_branch request payload.
type MergeBranchRequest struct {
	RepoPath     string `json:"repo_path"`
	BranchName   string `json:"branch_name"`
	TargetBranch string `json:"target_branch"`
}

// MergeBranchResponse is the merge_branch response payload. The
// Review Gate surfaces every response with Success=false as a merge
// conflict; it does not inspect Error for a conflict marker.
type MergeBranchResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// MergeBranch invokes the Worker's merge_branch endpoint. Callers
// should bound ctx with a 60s timeout.
func (c *Client) MergeBranch(ctx context.Context, req MergeBranchRequest) (*MergeBranchResponse, error) {
	var resp MergeBranchResponse
	if err := c.do(ctx, "merge_branch", "/api/v1/git/merge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- cleanup ---------------------------------------------------------

// CleanupRequest is the cleanup request payload.
type CleanupRequest struct {
	RepoPath             string `json:"repo_path"`
	WorktreePathOrBranch string `json:"worktree_path_or_branch"`
}

// CleanupResponse is the cleanup response payload.
type CleanupResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Cleanup invokes the Worker's cleanup endpoint. Callers should bound
// ctx with a 30s timeout. Cleanup failures are expected to be
// swallowed by callers (Review Gate's cleanup is best-effort).
func (c *Client) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResponse, error) {
	var resp CleanupResponse
	if err := c.do(ctx, "cleanup", "/api/v1/git/cleanup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

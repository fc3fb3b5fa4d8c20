package providerclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/status"
)

// Client talks to the compute provider's REST API over HTTP, retrying
// transient failures with bounded attempts via retryablehttp.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	log     *logging.Logger
}

// OAuthConfig configures an optional client-credentials token refresh,
// used by providers whose API token is issued by an OAuth2 token
// endpoint rather than supplied as a static secret.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// NewClient creates a provider Client. If oauthCfg is non-nil, the
// returned client authenticates with a self-refreshing OAuth2
// client-credentials token instead of the static token.
func NewClient(baseURL, token string, oauthCfg *OAuthConfig, log *logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // the teacher logs retries itself via rc.RequestLogHook instead of the library's own logger
	rc.RetryMax = 3
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warn("retrying provider request", "method", req.Method, "url", req.URL.Path, "attempt", attempt)
		}
	}

	if oauthCfg != nil && oauthCfg.TokenURL != "" {
		ccCfg := clientcredentials.Config{
			ClientID:     oauthCfg.ClientID,
			ClientSecret: oauthCfg.ClientSecret,
			TokenURL:     oauthCfg.TokenURL,
		}
		rc.HTTPClient = ccCfg.Client(context.Background())
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    rc,
		log:     log,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes req and classifies the error into one of the provider
// error kinds, or decodes a 2xx JSON body into out (ignored if nil).
func (c *Client) do(req *retryablehttp.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{}
	case resp.StatusCode >= 500:
		return &TransientProviderError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	case resp.StatusCode >= 400:
		return &FatalProviderError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &FatalProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// CreateService creates a service from the pool manager's fixed source
// image/repo and seeds its environment, returning a stable service id.
// Any deployment the provider auto-starts on creation is left running;
// callers (internal/provision) must cancel it via CancelLatestDeploy and
// issue exactly one controlled deploy via Deploy.
func (c *Client) CreateService(ctx context.Context, name, env string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/services", map[string]string{"name": name, "environmentId": env})
	if err != nil {
		return "", &FatalProviderError{Op: "create_service", Err: err}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "create_service", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateDomain allocates a public hostname for the given service.
func (c *Client) CreateDomain(ctx context.Context, serviceID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/domains", nil)
	if err != nil {
		return "", &FatalProviderError{Op: "create_domain", Err: err}
	}
	var out struct {
		FQDN string `json:"fqdn"`
	}
	if err := c.do(req, "create_domain", &out); err != nil {
		return "", err
	}
	return out.FQDN, nil
}

// ListServices returns every service the provider knows about in a
// single batched call. ok is false when the listing could not be
// obtained; callers must treat that as "do nothing", not "zero services".
func (c *Client) ListServices(ctx context.Context) ([]ServiceSummary, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/services", nil)
	if err != nil {
		return Unavailable, false, nil
	}
	var out []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		CreatedAt     time.Time `json:"createdAt"`
		EnvironmentID string `json:"environmentId"`
		LatestDeploy  *struct {
			Status string `json:"status"`
		} `json:"latestDeploy"`
	}
	if err := c.do(req, "list_services", &out); err != nil {
		return Unavailable, false, nil
	}

	services := make([]ServiceSummary, 0, len(out))
	for _, s := range out {
		ds := status.DeployUnknown
		if s.LatestDeploy != nil {
			ds = status.DeployStatus(s.LatestDeploy.Status)
		}
		services = append(services, ServiceSummary{
			ID:                 s.ID,
			Name:               s.Name,
			CreatedAt:          s.CreatedAt,
			EnvironmentID:      s.EnvironmentID,
			LatestDeployStatus: ds,
		})
	}
	return services, true, nil
}

// DeleteService deletes a service and its orphan volumes. Idempotent: a
// 404 from the provider is treated as success.
func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/services/"+serviceID+"?purgeVolumes=true", nil)
	if err != nil {
		return &FatalProviderError{Op: "delete_service", Err: err}
	}
	err = c.do(req, "delete_service", nil)
	var nf *NotFoundError
	if isNotFound(err, &nf) {
		return nil
	}
	return err
}

// RenameService renames a service for dashboard visibility only; callers
// must never depend on this for correctness.
func (c *Client) RenameService(ctx context.Context, serviceID, name string) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/services/"+serviceID, map[string]string{"name": name})
	if err != nil {
		return &FatalProviderError{Op: "rename_service", Err: err}
	}
	return c.do(req, "rename_service", nil)
}

// Exec runs shellScript synchronously inside the service and returns its
// output. Transient transport errors are retried by the underlying
// retryablehttp client.
func (c *Client) Exec(ctx context.Context, serviceID, shellScript string) (ExecResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/exec", map[string]string{"command": shellScript})
	if err != nil {
		return ExecResult{}, &FatalProviderError{Op: "exec", Err: err}
	}
	var out ExecResult
	if err := c.do(req, "exec", &out); err != nil {
		return ExecResult{}, err
	}
	return out, nil
}

// StartDetached fire-and-forget starts a long-lived process inside the
// service, registered so the provider's service manager restarts it
// after a hibernation wake.
func (c *Client) StartDetached(ctx context.Context, serviceID, command string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/start-detached", map[string]string{"command": command})
	if err != nil {
		return &FatalProviderError{Op: "start_detached", Err: err}
	}
	return c.do(req, "start_detached", nil)
}

// CreateCheckpoint takes a filesystem checkpoint, parsing the checkpoint
// id from the terminal event of a streamed response. It fails if the
// stream ends without a terminal event.
func (c *Client) CreateCheckpoint(ctx context.Context, serviceID, label string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/checkpoints", map[string]string{"label": label})
	if err != nil {
		return "", &FatalProviderError{Op: "create_checkpoint", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransientProviderError{Op: "create_checkpoint", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", &FatalProviderError{Op: "create_checkpoint", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	id, err := parseCheckpointStream(resp.Body)
	if err != nil {
		return "", &FatalProviderError{Op: "create_checkpoint", Err: err}
	}
	return id, nil
}

// parseCheckpointStream reads a server-sent-event style stream of
// "data: {...}" lines, returning the checkpoint id carried by the
// terminal event. It fails if no terminal event arrives before EOF.
func parseCheckpointStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	var id string
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt struct {
			Event         string `json:"event"`
			CheckpointID  string `json:"checkpointId"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		if evt.Event == "complete" && evt.CheckpointID != "" {
			id = evt.CheckpointID
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read checkpoint stream: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("checkpoint stream ended without a terminal event")
	}
	return id, nil
}

// RestoreCheckpoint resets the service's filesystem to checkpointID,
// killing running processes, and returns once the provider signals
// completion.
func (c *Client) RestoreCheckpoint(ctx context.Context, serviceID, checkpointID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/checkpoints/"+checkpointID+"/restore", nil)
	if err != nil {
		return &FatalProviderError{Op: "restore_checkpoint", Err: err}
	}
	return c.do(req, "restore_checkpoint", nil)
}

// CancelLatestDeploy cancels any deploy in progress for the service,
// suppressing whatever the provider auto-started on CreateService
// (§4.4 step 3). Idempotent: a 404 (nothing to cancel) is treated as
// success.
func (c *Client) CancelLatestDeploy(ctx context.Context, serviceID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/deploys/cancel", nil)
	if err != nil {
		return &FatalProviderError{Op: "cancel_latest_deploy", Err: err}
	}
	err = c.do(req, "cancel_latest_deploy", nil)
	var nf *NotFoundError
	if isNotFound(err, &nf) {
		return nil
	}
	return err
}

// Deploy issues a single controlled deploy of branch on the service
// (§4.4 step 3), returning the provider's deploy id.
func (c *Client) Deploy(ctx context.Context, serviceID, branch string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/services/"+serviceID+"/deploys", map[string]string{"branch": branch})
	if err != nil {
		return "", &FatalProviderError{Op: "deploy", Err: err}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "deploy", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func isNotFound(err error, target **NotFoundError) bool {
	if err == nil {
		return false
	}
	nf, ok := err.(*NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

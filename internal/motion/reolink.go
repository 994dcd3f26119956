package motion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
)

// tokenTTL is shorter than the camera's default lease so we re-login
// before the token dies on the wire.
const tokenTTL = 30 * time.Minute

type tokenCache struct {
	cache *expirable.LRU[string, string]
}

func newTokenCache() *tokenCache {
	return &tokenCache{cache: expirable.NewLRU[string, string](128, nil, tokenTTL)}
}

func (t *tokenCache) Get(cameraKey string) (string, bool) {
	return t.cache.Get(cameraKey)
}

func (t *tokenCache) Add(cameraKey, token string) {
	t.cache.Add(cameraKey, token)
}

func (t *tokenCache) Forget(cameraKey string) {
	t.cache.Remove(cameraKey)
}

// command is one element of an api.cgi request body.
type command struct {
	Cmd    string      `json:"cmd"`
	Action int         `json:"action"`
	Param  interface{} `json:"param,omitempty"`
}

// reply is one element of an api.cgi response body.
type reply struct {
	Cmd   string          `json:"cmd"`
	Code  int             `json:"code"`
	Value json.RawMessage `json:"value"`
	Error *struct {
		Detail  string `json:"detail"`
		RspCode int    `json:"rspCode"`
	} `json:"error"`
}

func (r *reply) err() error {
	if r.Error != nil {
		return fmt.Errorf("camera rejected %s: rspCode %d (%s)", r.Cmd, r.Error.RspCode, r.Error.Detail)
	}
	if r.Code != 0 {
		return fmt.Errorf("camera rejected %s: code %d", r.Cmd, r.Code)
	}
	return nil
}

// checkReolink performs one GetMdState round trip.
func (p *Poller) checkReolink(ctx context.Context, cam *camera.Camera) (bool, error) {
	endpoint, err := p.motionEndpoint(ctx, cam)
	if err != nil {
		return false, err
	}

	replies, err := p.post(ctx, endpoint, []command{{
		Cmd:    "GetMdState",
		Action: 0,
		Param:  map[string]interface{}{"channel": 0},
	}})
	if err != nil {
		return false, err
	}
	r := &replies[0]
	if err := r.err(); err != nil {
		return false, err
	}

	var v struct {
		State int `json:"state"`
	}
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return false, fmt.Errorf("bad GetMdState value: %w", err)
	}
	return v.State == 1, nil
}

// motionEndpoint resolves where to poll: the explicit override, or
// the camera's api.cgi with a cached login token.
func (p *Poller) motionEndpoint(ctx context.Context, cam *camera.Camera) (string, error) {
	if cam.MotionURL != "" {
		return cam.MotionURL, nil
	}
	if cam.IP == "" {
		return "", fmt.Errorf("camera %s has no motion endpoint", cam.Key)
	}

	token, ok := p.tokens.Get(cam.Key)
	if !ok {
		var err error
		token, err = p.login(ctx, cam)
		if err != nil {
			return "", err
		}
		p.tokens.Add(cam.Key, token)
	}
	return fmt.Sprintf("http://%s/cgi-bin/api.cgi?cmd=GetMdState&token=%s", cam.IP, token), nil
}

// login obtains a fresh api token from the camera.
func (p *Poller) login(ctx context.Context, cam *camera.Camera) (string, error) {
	endpoint := fmt.Sprintf("http://%s/cgi-bin/api.cgi?cmd=Login&token=null", cam.IP)
	replies, err := p.post(ctx, endpoint, []command{{
		Cmd:    "Login",
		Action: 0,
		Param: map[string]interface{}{
			"User": map[string]string{
				"userName": "admin",
				"password": cam.Password,
			},
		},
	}})
	if err != nil {
		return "", fmt.Errorf("login to camera %s failed: %w", cam.Key, err)
	}
	r := &replies[0]
	if err := r.err(); err != nil {
		return "", fmt.Errorf("login to camera %s failed: %w", cam.Key, err)
	}

	var v struct {
		Token struct {
			LeaseTime int    `json:"leaseTime"`
			Name      string `json:"name"`
		} `json:"Token"`
	}
	if err := json.Unmarshal(r.Value, &v); err != nil || v.Token.Name == "" {
		return "", fmt.Errorf("login to camera %s returned no token", cam.Key)
	}

	p.logger.Debug("Camera login succeeded", "camera", cam.Key, "lease_s", v.Token.LeaseTime)
	return v.Token.Name, nil
}

func (p *Poller) post(ctx context.Context, endpoint string, cmds []command) ([]reply, error) {
	body, err := json.Marshal(cmds)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("motion poll failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("motion poll returned status %d", resp.StatusCode)
	}

	var replies []reply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		return nil, fmt.Errorf("bad motion poll response: %w", err)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("empty motion poll response")
	}
	return replies, nil
}

// SanitizeMotionURL redacts the token query parameter for logging.
func SanitizeMotionURL(endpoint string) string {
	idx := strings.Index(endpoint, "token=")
	if idx == -1 {
		return endpoint
	}
	end := strings.IndexByte(endpoint[idx:], '&')
	if end == -1 {
		return endpoint[:idx] + "token=***"
	}
	return endpoint[:idx] + "token=***" + endpoint[idx+end:]
}

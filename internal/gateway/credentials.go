package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// credentials выдаёт access token для внешнего сервера, при необходимости обновляя его.
type credentials struct {
	store   ServerStore
	effects *sideEffects
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// Параллельные обновления одного сервера схлопываются в один refresh
	refreshes singleflight.Group
}

// refreshError — обновление было, но не удалось. Для аудита отличаем от "токена нет вовсе".
type refreshError struct {
	err error
}

func (e *refreshError) Error() string { return "token refresh failed: " + e.err.Error() }
func (e *refreshError) Unwrap() []error {
	return []error{domain.ErrCredential, e.err}
}

// resolve возвращает токен для заголовка Authorization. Пустая строка: сервер без авторизации.
func (c *credentials) resolve(ctx context.Context, srv *domain.RemoteServer) (string, error) {
	if !srv.RequiresAuth() {
		return "", nil
	}
	if srv.AccessToken != "" && !srv.TokenExpired(c.now()) {
		return srv.AccessToken, nil
	}

	if !srv.CanRefresh() {
		reason := "access token expired and no refresh token is available"
		if srv.AccessToken == "" {
			reason = "no access token configured"
		}
		c.markAuthRequired(srv.ID, reason)
		return "", fmt.Errorf("%w: %s", domain.ErrCredential, reason)
	}

	v, err, shared := c.refreshes.Do(srv.ID, func() (any, error) {
		return c.refresh(ctx, srv)
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("joined in-flight token refresh", zap.String("remote_mcp_id", srv.ID))
	}
	return v.(domain.TokenSet).AccessToken, nil
}

// refresh выполняет refresh_token grant и фиксирует результат в хранилище.
// Отмена запроса агентом не прерывает обновление: его ждут и другие вызовы.
func (c *credentials) refresh(ctx context.Context, srv *domain.RemoteServer) (domain.TokenSet, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	log := c.logger.With(zap.String("remote_mcp_id", srv.ID), zap.String("remote_mcp_name", srv.Name))

	ts, err := c.exchange(ctx, srv)
	if err != nil {
		c.metrics.TokenRefresh.WithLabelValues("failure").Inc()
		log.Warn("token refresh failed", zap.Error(err))
		if merr := c.store.MarkAuthRequired(ctx, srv.ID, "token refresh failed: "+err.Error()); merr != nil {
			log.Error("failed to mark server auth_required", zap.Error(merr))
		}
		return domain.TokenSet{}, &refreshError{err: err}
	}

	c.metrics.TokenRefresh.WithLabelValues("success").Inc()
	// Новый токен сохраняется до форварда: он нужен, даже если сам вызов упадёт
	if err := c.store.SaveTokens(ctx, srv.ID, ts); err != nil {
		log.Error("failed to persist refreshed token", zap.Error(err))
	} else {
		log.Info("token refreshed", zap.Timep("expires_at", ts.ExpiresAt))
	}
	return ts, nil
}

func (c *credentials) exchange(ctx context.Context, srv *domain.RemoteServer) (domain.TokenSet, error) {
	cfg := &oauth2.Config{
		ClientID:     srv.OAuthClientID,
		ClientSecret: srv.OAuthClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  srv.OAuthTokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	hc := c.client
	if srv.OAuthResource != "" {
		hc = &http.Client{
			Timeout:   c.client.Timeout,
			Transport: &resourceTransport{base: transportOf(c.client), resource: srv.OAuthResource},
		}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: srv.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return domain.TokenSet{}, fmt.Errorf("token endpoint returned %d: %s", rerr.Response.StatusCode, strings.TrimSpace(string(rerr.Body)))
		}
		return domain.TokenSet{}, err
	}
	if tok.AccessToken == "" {
		return domain.TokenSet{}, errors.New("token endpoint returned empty access_token")
	}

	ts := domain.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	// Сервер может не ротировать refresh token
	if ts.RefreshToken == "" {
		ts.RefreshToken = srv.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		ts.ExpiresAt = &exp
	}
	return ts, nil
}

func (c *credentials) markAuthRequired(serverID, reason string) {
	c.effects.enqueue("mark_auth_required", func(ctx context.Context) error {
		return c.store.MarkAuthRequired(ctx, serverID, reason)
	})
}

// resourceTransport добавляет параметр resource (RFC 8707) в форму запроса к token endpoint.
type resourceTransport struct {
	base     http.RoundTripper
	resource string
}

func (t *resourceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse token request form: %w", err)
	}
	form.Set("resource", t.resource)
	body := form.Encode()

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(strings.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
	return t.base.RoundTrip(out)
}

func transportOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

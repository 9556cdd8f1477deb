// Package gateway — обратный прокси от контейнеров агентов к внешним MCP-серверам.
//
// Каждый запрос проходит: аутентификацию proxy-токеном, проверку назначения сервера агенту,
// получение (и при необходимости обновление) учётных данных сервера, форвард с подменой
// Authorization, ретрансляцию ответа (включая event-stream) и запись аудита.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// Заголовки, которые не уходят upstream: hop-by-hop, исходная авторизация агента
// и то, что транспорт выставит сам.
var strippedRequestHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Authorization":       true,
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true, // Транспорт договорится сам и распакует тело
}

// Заголовки ответа, которые разойдутся с ретранслируемым телом.
var strippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Trailer":           true,
	"Upgrade":           true,
}

type Deps struct {
	Tokens  TokenValidator
	Servers ServerStore
	Auditor audit.Auditor
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Proxy struct {
	tokens  TokenValidator
	servers ServerStore
	auditor audit.Auditor
	metrics *metrics.Metrics
	logger  *zap.Logger

	creds    *credentials
	effects  *sideEffects
	guards   *guards
	upstream *http.Client
	maxBody  int64
	now      func() time.Time
}

func New(cfg infra.GatewayConfig, deps Deps) *Proxy {
	logger := deps.Logger.With(zap.String("mod", "gateway"))
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	effects := newSideEffects(cfg.SideEffectQueue, cfg.RefreshTimeout, deps.Metrics, logger)
	p := &Proxy{
		tokens:   deps.Tokens,
		servers:  deps.Servers,
		auditor:  deps.Auditor,
		metrics:  deps.Metrics,
		logger:   logger,
		effects:  effects,
		guards:   newGuards(cfg, deps.Metrics),
		upstream: newUpstreamClient(cfg.UpstreamTimeout),
		maxBody:  cfg.MaxBodyBytes,
		now:      time.Now,
	}
	p.creds = &credentials{
		store:   deps.Servers,
		effects: effects,
		client:  &http.Client{Timeout: cfg.RefreshTimeout},
		timeout: cfg.RefreshTimeout,
		metrics: deps.Metrics,
		logger:  logger,
		now:     func() time.Time { return p.now() },
	}
	return p
}

// Close дописывает очередь фоновых эффектов.
func (p *Proxy) Close() {
	p.effects.stop()
}

// Handler — роутер шлюза.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(infra.TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.HandleFunc("/{agentSlug}/{remoteMcpId}", func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, "")
	})
	r.HandleFunc("/{agentSlug}/{remoteMcpId}/*", func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, "/"+chi.URLParam(r, "*"))
	})
	return r
}

// call — состояние одного проксируемого запроса, из него собирается запись аудита.
type call struct {
	start   time.Time
	entry   domain.AuditEntry
	audited bool
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, rest string) {
	ctx := r.Context()
	agentSlug := chi.URLParam(r, "agentSlug")
	serverID := chi.URLParam(r, "remoteMcpId")

	requestPath := rest
	if r.URL.RawQuery != "" {
		requestPath += "?" + r.URL.RawQuery
	}
	c := &call{
		start: p.now(),
		entry: domain.AuditEntry{
			TraceID:     infra.TraceID(ctx),
			RemoteMcpID: serverID,
			Method:      r.Method,
			RequestPath: requestPath,
		},
	}
	log := p.logger.With(
		zap.String("trace_id", c.entry.TraceID),
		zap.String("agent", agentSlug),
		zap.String("remote_mcp_id", serverID),
	)

	// 1. Аутентификация. Неизвестный токен не аудируется: агента мы не знаем.
	caller, err := p.tokens.Validate(ctx, bearerToken(r))
	if err != nil {
		if !errors.Is(err, domain.ErrAuthentication) {
			log.Error("proxy token lookup failed", zap.Error(err))
		}
		p.reject(w, c, err, false)
		return
	}
	c.entry.AgentSlug = caller
	if caller != agentSlug {
		log.Warn("proxy token used for another agent", zap.String("caller", caller))
		p.reject(w, c, fmt.Errorf("%w: token belongs to agent %s, not %s", domain.ErrAuthorization, caller, agentSlug), true)
		return
	}

	// 2. Назначен ли сервер агенту
	srv, err := p.servers.ServerForAgent(ctx, agentSlug, serverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: remote server %s is not assigned to agent %s", domain.ErrNotFound, serverID, agentSlug)
		} else {
			log.Error("remote server lookup failed", zap.Error(err))
		}
		p.reject(w, c, err, true)
		return
	}
	c.entry.RemoteMcpName = srv.Name

	// 3. Учётные данные сервера
	accessToken, err := p.creds.resolve(ctx, srv)
	if err != nil {
		p.reject(w, c, err, true)
		return
	}

	// Тело нужно и для форварда, и для метки метода в аудите
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			p.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", err.Error())
			c.entry.StatusCode = http.StatusRequestEntityTooLarge
			c.entry.ErrorMessage = err.Error()
			p.finish(c)
			return
		}
		p.reject(w, c, fmt.Errorf("read request body: %w", err), true)
		return
	}
	c.entry.MethodInfo = methodInfo(body)

	// 4. Адрес: базовый URL сервера + хвост пути и query как есть
	target := srv.URL + requestPath

	if l := p.guards.limiter(agentSlug); l != nil {
		if err := l.Wait(ctx); err != nil {
			// Агент ушёл или его дедлайн наступит раньше очереди
			log.Debug("rate limiter wait aborted", zap.Error(err))
			p.reject(w, c, fmt.Errorf("%w: agent %s: %w", domain.ErrRateLimited, agentSlug, err), true)
			return
		}
	}

	// 5. Форвард
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		p.reject(w, c, fmt.Errorf("%w: build upstream request: %v", domain.ErrUpstreamTransport, err), true)
		return
	}
	copyHeaders(req.Header, r.Header, strippedRequestHeaders)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if c.entry.TraceID != "" {
		req.Header.Set(infra.TraceHeader, c.entry.TraceID)
	}

	resp, err := p.guards.do(p.upstream, srv.ID, req)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit breaker for %s is open", domain.ErrUpstreamTransport, srv.Name)
		} else {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
		}
		log.Warn("upstream request failed", zap.String("upstream", target), zap.Error(err))
		p.reject(w, c, err, true)
		return
	}
	defer resp.Body.Close()

	// 6. Ретрансляция ответа
	if resp.StatusCode == http.StatusUnauthorized {
		// Пометка идёт в фоне и не задерживает ответ
		serverID := srv.ID
		p.effects.enqueue("mark_auth_required", func(ctx context.Context) error {
			return p.servers.MarkAuthRequired(ctx, serverID, "upstream returned 401")
		})
	}

	c.entry.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest {
		c.entry.ErrorMessage = http.StatusText(resp.StatusCode)
	}
	// 7. Аудит пишем по заголовкам ответа: event-stream может жить сколько угодно
	p.finish(c)

	copyHeaders(w.Header(), resp.Header, strippedResponseHeaders)
	w.WriteHeader(resp.StatusCode)

	n, err := relayBody(w, resp)
	if err != nil && ctx.Err() == nil {
		log.Warn("response relay interrupted", zap.Int64("bytes", n), zap.Error(err))
	}
}

// reject отвечает ошибкой ядра и, если нужно, пишет аудит.
func (p *Proxy) reject(w http.ResponseWriter, c *call, err error, withAudit bool) {
	status := domain.HTTPStatus(err)
	p.writeError(w, status, domain.ErrorKind(err), err.Error())

	c.entry.StatusCode = status
	c.entry.ErrorMessage = err.Error()
	if withAudit {
		p.finish(c)
	} else {
		p.metrics.ProxyRequests.WithLabelValues(c.entry.RemoteMcpID, strconv.Itoa(status)).Inc()
	}
}

func (p *Proxy) finish(c *call) {
	if c.audited {
		return
	}
	c.audited = true

	elapsed := p.now().Sub(c.start)
	c.entry.DurationMs = elapsed.Milliseconds()
	c.entry.CreatedAt = p.now()

	p.metrics.ProxyRequests.WithLabelValues(c.entry.RemoteMcpID, strconv.Itoa(c.entry.StatusCode)).Inc()
	p.metrics.ProxyDuration.WithLabelValues(c.entry.RemoteMcpID).Observe(elapsed.Seconds())
	p.auditor.Log(c.entry)
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func copyHeaders(dst, src http.Header, skip map[string]bool) {
	// Заголовки, перечисленные в Connection, тоже hop-by-hop
	connection := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			connection[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	for key, values := range src {
		if skip[key] || connection[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// relayBody копирует тело ответа. Event-stream сбрасывается клиенту после каждого чанка.
func relayBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok || !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return io.Copy(w, resp.Body)
	}
	flusher.Flush()

	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

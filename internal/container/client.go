package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/runtime"
)

// ErrSessionGone — контейнер не знает внутреннюю сессию (например, после перезапуска).
var ErrSessionGone = errors.New("container session not found")

// maxEventSize ограничивает одну строку data: в потоке событий контейнера.
const maxEventSize = 1 << 20

// Client — обёртка над контейнером одного агента. Живёт в карте Manager.
type Client struct {
	slug   string
	rt     runtime.Runtime
	calls  *http.Client // Обычные вызовы, с таймаутом
	stream *http.Client // Поток событий живёт долго, без общего таймаута
	logger *zap.Logger
}

func newClient(slug string, rt runtime.Runtime, calls, stream *http.Client, logger *zap.Logger) *Client {
	return &Client{
		slug:   slug,
		rt:     rt,
		calls:  calls,
		stream: stream,
		logger: logger.With(zap.String("agent", slug)),
	}
}

func (c *Client) Slug() string { return c.slug }

// Info запрашивает состояние у рантайма, без кэширования.
func (c *Client) Info(ctx context.Context) (domain.ContainerInfo, error) {
	return c.rt.Info(ctx, c.slug)
}

func (c *Client) Start(ctx context.Context) error {
	return c.rt.Start(ctx, c.slug)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.rt.Stop(ctx, c.slug)
}

func (c *Client) baseURL(ctx context.Context) (string, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
	}
	if info.Status != domain.ContainerRunning || info.Port == nil {
		return "", fmt.Errorf("%w: agent %s is %s", domain.ErrContainerNotRunning, c.slug, info.Status)
	}
	return fmt.Sprintf("http://%s:%d", c.rt.Host(), *info.Port), nil
}

// CreateSession создаёт внутреннюю сессию в контейнере и возвращает её id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/sessions", nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: container returned empty session id", domain.ErrUpstreamTransport)
	}
	return out.ID, nil
}

// SendMessage передаёт сообщение пользователя во внутреннюю сессию.
func (c *Client) SendMessage(ctx context.Context, containerSessionID, content string) error {
	body := map[string]string{"content": content}
	return c.post(ctx, "/sessions/"+url.PathEscape(containerSessionID)+"/messages", body, nil)
}

// Interrupt прерывает текущий ход агента. Контейнер завершает его событием stream_end.
func (c *Client) Interrupt(ctx context.Context, containerSessionID string) error {
	return c.post(ctx, "/sessions/"+url.PathEscape(containerSessionID)+"/interrupt", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	base, err := c.baseURL(ctx)
	if err != nil {
		return err
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.calls.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/sessions/") {
			return fmt.Errorf("%w: %w: %s", domain.ErrUpstreamTransport, ErrSessionGone, path)
		}
		return fmt.Errorf("%w: container %s returned %d: %s", domain.ErrUpstreamTransport, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstreamTransport, path, err)
	}
	return nil
}

// Events открывает поток событий внутренней сессии и вызывает fn для каждого события по порядку.
// opened (может быть nil) вызывается, как только контейнер ответил 200: с этого момента события не теряются.
// Возвращается, когда поток закрыт контейнером или ctx отменён.
func (c *Client) Events(ctx context.Context, containerSessionID string, opened func(), fn func(domain.Event)) error {
	base, err := c.baseURL(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/sessions/"+url.PathEscape(containerSessionID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w: %s", domain.ErrUpstreamTransport, ErrSessionGone, containerSessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: event stream returned %d", domain.ErrUpstreamTransport, resp.StatusCode)
	}
	if opened != nil {
		opened()
	}

	err = decodeEvents(resp.Body, func(name string, data []byte) {
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("malformed container event", zap.String("event", name), zap.Error(err))
			return
		}
		if ev.Type == "" {
			ev.Type = domain.EventType(name)
		}
		if ev.Type == "" {
			return
		}
		fn(ev)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: event stream: %v", domain.ErrUpstreamTransport, err)
	}
	return nil
}

// decodeEvents разбирает text/event-stream: строки data: склеиваются до пустой строки.
func decodeEvents(r io.Reader, emit func(name string, data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		name string
		data bytes.Buffer
	)
	flush := func() {
		if data.Len() > 0 {
			emit(name, bytes.Clone(data.Bytes()))
		}
		name = ""
		data.Reset()
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// комментарий / keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return sc.Err()
}

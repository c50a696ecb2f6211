package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"judgeflow/internal/judge/datacache"
	"judgeflow/internal/judge/lock"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultStatusInterval = 20 * time.Minute
	defaultRetryDelay     = 30 * time.Second
	writeWait             = 10 * time.Second
)

// SocketConfig configures a worker connected to a remote judge server.
type SocketConfig struct {
	Host           string           `yaml:"host"`
	ServerURL      string           `yaml:"serverUrl"`
	Uname          string           `yaml:"uname"`
	Password       string           `yaml:"password"`
	MinPriority    *int             `yaml:"minPriority"`
	NoStatus       bool             `yaml:"noStatus"`
	TmpDir         string           `yaml:"tmpDir"`
	Concurrency    int              `yaml:"concurrency"`
	PingInterval   time.Duration    `yaml:"pingInterval"`
	StatusInterval time.Duration    `yaml:"statusInterval"`
	RetryDelay     time.Duration    `yaml:"retryDelay"`
	Cache          datacache.Config `yaml:"cache"`
}

// TaskHandler judges one task received from the server.
type TaskHandler func(ctx context.Context, t model.Task)

// SocketHost is a worker of a remote judge server. Tasks and the language
// map arrive over a websocket, test data and submission files are
// downloaded from links the server hands out.
type SocketHost struct {
	cfg       SocketConfig
	serverURL string
	client    *http.Client
	download  *http.Client
	dialer    *websocket.Dialer
	langs     *Languages
	cache     *datacache.LockedSynchronizer
	mid       string

	mu     sync.RWMutex
	cookie string
	sid    string

	connMu sync.Mutex
	conn   *websocket.Conn

	running atomic.Int32
}

// NormalizeServerURL adds a scheme and a trailing slash when missing.
func NormalizeServerURL(raw string) string {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw
}

func NewSocketHost(cfg SocketConfig, client *http.Client) (*SocketHost, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.TmpDir == "" {
		return nil, fmt.Errorf("tmp dir is required")
	}
	serverURL := NormalizeServerURL(cfg.ServerURL)
	if cfg.Host == "" {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("parse server url: %w", err)
		}
		cfg.Host = u.Host
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	h := &SocketHost{
		cfg:       cfg,
		serverURL: serverURL,
		client:    client,
		download:  &http.Client{Timeout: 10 * time.Minute},
		dialer:    websocket.DefaultDialer,
		langs:     NewLanguages(nil),
		mid:       machineID(),
	}
	cacheCfg := cfg.Cache
	cacheCfg.Root = filepath.Join(cfg.Cache.Root, cfg.Host)
	syncer, err := datacache.NewSynchronizer(cacheCfg, datacache.NewLinkFetcher(h, h.download))
	if err != nil {
		return nil, err
	}
	h.cache = datacache.NewLockedSynchronizer(syncer, lock.NewLocalLock(0), cfg.Host)
	return h, nil
}

// Host is the name test data is cached under.
func (h *SocketHost) Host() string {
	return h.cfg.Host
}

// Prune drops cached problems unused for olderThan.
func (h *SocketHost) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	return h.cache.Prune(ctx, olderThan)
}

type errorBody struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (h *SocketHost) cookieHeader() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cookie
}

func (h *SocketHost) sessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sid
}

// request sends a JSON request to the server and decodes the JSON reply
// into out. It returns the cookies the server set.
func (h *SocketHost) request(ctx context.Context, method, path string, body, out any) ([]*http.Cookie, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.serverURL+strings.TrimPrefix(path, "/"), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := h.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Code == 0 {
			eb.Code = appErr.ServiceUnavailable
		}
		if eb.Message == "" {
			eb.Message = resp.Status
		}
		return nil, appErr.Newf(eb.Code, "%s %s: %s", method, path, eb.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, appErr.Wrapf(err, appErr.ProtocolViolation, "decode %s reply failed", path)
		}
	}
	return resp.Cookies(), nil
}

// Login signs in with the configured account and keeps the session cookie.
func (h *SocketHost) Login(ctx context.Context) error {
	cookies, err := h.request(ctx, http.MethodPost, "login", model.LoginRequest{
		Uname:      h.cfg.Uname,
		Password:   h.cfg.Password,
		RememberMe: "on",
	}, nil)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(cookies))
	sid := ""
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
		if c.Name == model.SessionCookie {
			sid = c.Value
		}
	}
	if sid == "" {
		return appErr.New(appErr.InvalidCredentials).WithMessage("login returned no session")
	}
	h.mu.Lock()
	h.cookie = strings.Join(parts, "; ")
	h.sid = sid
	h.mu.Unlock()
	logger.Info(ctx, "logged in to judge server", zap.String("host", h.cfg.Host), zap.String("uname", h.cfg.Uname))
	return nil
}

// EnsureLogin logs in again when the server no longer accepts the session.
func (h *SocketHost) EnsureLogin(ctx context.Context) error {
	var probe struct {
		URL string `json:"url"`
	}
	if _, err := h.request(ctx, http.MethodGet, "judge/files", nil, &probe); err != nil || probe.URL != "" {
		return h.Login(ctx)
	}
	return nil
}

// FileLinks asks the server to presign the test data files of source.
func (h *SocketHost) FileLinks(ctx context.Context, source string, names []string) (map[string]string, error) {
	domainID, rawPID, ok := strings.Cut(source, "/")
	pid, err := strconv.ParseInt(rawPID, 10, 64)
	if !ok || err != nil {
		return nil, appErr.FormatError("invalid problem source %s", source)
	}
	if err := h.EnsureLogin(ctx); err != nil {
		return nil, err
	}
	var resp model.FileLinksResponse
	if _, err := h.request(ctx, http.MethodPost, "d/"+domainID+"/judge/files", model.FileLinksRequest{PID: pid, Files: names}, &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

func (h *SocketHost) CacheOpen(ctx context.Context, source string, files []model.FileInfo, progress func(string)) (string, error) {
	return h.cache.Open(ctx, source, files, progress)
}

func (h *SocketHost) GetLang(name string, doThrow bool) (*model.LanguageConfig, error) {
	return h.langs.Get(name, doThrow)
}

func (h *SocketHost) FetchFile(ctx context.Context, name string) (string, error) {
	name = fileName(name)
	if err := h.EnsureLogin(ctx); err != nil {
		return "", err
	}
	var resp model.CodeResponse
	if _, err := h.request(ctx, http.MethodPost, "judge/code", model.CodeRequest{ID: name}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", appErr.FormatError("File %s not found.", name)
	}
	body, err := datacache.Download(ctx, h.download, resp.URL, name)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DataDownloadFailed, "download %s failed", name)
	}
	defer body.Close()
	return saveTemp(h.cfg.TmpDir, name, body)
}

func (h *SocketHost) Next(_ context.Context, ev model.JudgeEvent) error {
	ev.Key = model.EventNext
	return h.send(model.WorkerMessage{JudgeEvent: ev})
}

func (h *SocketHost) End(_ context.Context, ev model.JudgeEvent) error {
	ev.Key = model.EventEnd
	return h.send(model.WorkerMessage{JudgeEvent: ev})
}

func (h *SocketHost) send(msg model.WorkerMessage) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return appErr.New(appErr.ConnectionClosed).WithMessage("not connected to judge server")
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(msg)
}

// Status describes this worker for the server's worker list.
func (h *SocketHost) Status() model.WorkerStatus {
	return collectStatus(h.mid, h.cfg.Concurrency, int(h.running.Load()), h.langs.Len())
}

func (h *SocketHost) wsURL() string {
	q := url.Values{}
	q.Set("concurrency", strconv.Itoa(h.cfg.Concurrency))
	return "ws" + strings.TrimPrefix(h.serverURL, "http") + "judge/conn?" + q.Encode()
}

// Run stays connected to the server until ctx is done, reconnecting after
// RetryDelay whenever the connection drops. At most Concurrency tasks are
// handled at a time.
func (h *SocketHost) Run(ctx context.Context, handle TaskHandler) error {
	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		err := h.session(ctx, handle, sem, &wg)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn(ctx, "judge server connection lost", zap.String("host", h.cfg.Host),
			zap.Duration("retry_in", h.cfg.RetryDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.cfg.RetryDelay):
		}
	}
}

func (h *SocketHost) session(ctx context.Context, handle TaskHandler, sem chan struct{}, wg *sync.WaitGroup) error {
	if err := h.EnsureLogin(ctx); err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.sessionID())
	conn, _, err := h.dialer.DialContext(ctx, h.wsURL(), header)
	if err != nil {
		return err
	}
	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()
	defer func() {
		h.connMu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.connMu.Unlock()
		_ = conn.Close()
	}()
	logger.Info(ctx, "connected to judge server", zap.String("host", h.cfg.Host))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go h.keepAlive(sessCtx)

	for {
		var msg model.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Language != nil {
			h.langs.Set(msg.Language)
			logger.Info(ctx, "language map updated", zap.Int("count", len(msg.Language)))
		}
		if msg.Task != nil {
			h.dispatch(ctx, *msg.Task, handle, sem, wg)
		}
	}
}

func (h *SocketHost) dispatch(ctx context.Context, t model.Task, handle TaskHandler, sem chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()
		h.running.Add(1)
		defer h.running.Add(-1)
		handle(context.WithValue(ctx, contextkey.TaskID, t.ID), t)
	}()
}

func (h *SocketHost) pingMessage() model.WorkerMessage {
	if h.cfg.MinPriority != nil {
		return model.WorkerMessage{JudgeEvent: model.JudgeEvent{Key: model.KeyPrio}, Prio: h.cfg.MinPriority}
	}
	return model.WorkerMessage{JudgeEvent: model.JudgeEvent{Key: model.KeyPing}}
}

func (h *SocketHost) sendStatus(ctx context.Context) {
	info := h.Status()
	if err := h.send(model.WorkerMessage{JudgeEvent: model.JudgeEvent{Key: model.KeyStatus}, Info: &info}); err != nil {
		logger.Warn(ctx, "send worker status failed", zap.Error(err))
	}
}

// keepAlive announces the worker, then pings and reports status until the
// session ends.
func (h *SocketHost) keepAlive(ctx context.Context) {
	if err := h.send(h.pingMessage()); err != nil {
		logger.Warn(ctx, "ping failed", zap.Error(err))
	}
	if !h.cfg.NoStatus {
		h.sendStatus(ctx)
	}
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	status := time.NewTicker(h.cfg.StatusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := h.send(h.pingMessage()); err != nil {
				logger.Warn(ctx, "ping failed", zap.Error(err))
			}
		case <-status.C:
			if !h.cfg.NoStatus {
				h.sendStatus(ctx)
			}
		}
	}
}

package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxConcurrency = 32
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventRouter persists the events workers report.
type EventRouter interface {
	OnNext(ctx context.Context, ev model.JudgeEvent) (*model.Record, error)
	OnEnd(ctx context.Context, ev model.JudgeEvent) (*model.Record, error)
	Restart(ctx context.Context, t *model.Task) (bool, error)
}

// HubConfig tunes the claim loops run for each worker.
type HubConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	LeaseRenew   time.Duration `yaml:"leaseRenew"`
}

// Hub hands queued tasks to the workers connected over websocket. Each
// connection runs one claim loop per slot of its concurrency; a slot is
// busy until the worker reports the end of its record. Tasks of a lost
// connection go back to the queue.
type Hub struct {
	cfg    HubConfig
	queue  queue.Queue
	store  repository.RecordStore
	router EventRouter
	langs  model.LanguageMap

	mu      sync.RWMutex
	workers map[string]*workerConn
}

func NewHub(cfg HubConfig, q queue.Queue, store repository.RecordStore, router EventRouter, langs model.LanguageMap) *Hub {
	return &Hub{cfg: cfg, queue: q, store: store, router: router, langs: langs, workers: make(map[string]*workerConn)}
}

// WorkerInfo is one entry of the worker list.
type WorkerInfo struct {
	ID          string              `json:"id"`
	Uname       string              `json:"uname"`
	RemoteAddr  string              `json:"remoteAddr"`
	Concurrency int                 `json:"concurrency"`
	MinPriority *int                `json:"minPriority,omitempty"`
	Running     []string            `json:"running"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastSeen    time.Time           `json:"lastSeen"`
	Status      *model.WorkerStatus `json:"status,omitempty"`
}

// Workers lists the connected workers, oldest first.
func (h *Hub) Workers() []WorkerInfo {
	h.mu.RLock()
	out := make([]WorkerInfo, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, w.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Serve upgrades the request and runs the connection until it closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, uname string) error {
	concurrency := 1
	if raw := r.URL.Query().Get("concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return appErr.ValidationError("concurrency", "must be a positive integer")
		}
		concurrency = min(n, maxConcurrency)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	ctx = context.WithValue(ctx, contextkey.WorkerID, id)
	wc := &workerConn{
		hub:         h,
		id:          id,
		uname:       uname,
		remoteAddr:  r.RemoteAddr,
		concurrency: concurrency,
		conn:        conn,
		cancel:      cancel,
		pending:     make(map[string]chan struct{}),
		connectedAt: time.Now(),
	}
	wc.lastSeen = wc.connectedAt

	h.mu.Lock()
	h.workers[id] = wc
	h.mu.Unlock()
	metrics.WorkersConnected.Inc()
	logger.Info(ctx, "worker connected", zap.String("uname", uname), zap.String("remote", r.RemoteAddr), zap.Int("concurrency", concurrency))

	defer func() {
		cancel()
		_ = conn.Close()
		h.mu.Lock()
		delete(h.workers, id)
		h.mu.Unlock()
		metrics.WorkersConnected.Dec()
		logger.Info(ctx, "worker disconnected", zap.String("uname", uname))
	}()

	if err := wc.send(model.ServerMessage{Language: h.langs}); err != nil {
		return nil
	}
	var wg sync.WaitGroup
	consumer := queue.NewConsumer(h.queue, queue.ConsumerConfig{
		PollInterval: h.cfg.PollInterval,
		WorkerID:     id,
		LeaseRenew:   h.cfg.LeaseRenew,
	}).OnRetry(h.router.Restart)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		lane := queue.Lane{Name: "socket", Select: wc.matcher}
		go func() {
			defer wg.Done()
			consumer.Consume(ctx, lane, wc.handle)
		}()
	}
	wc.readLoop(ctx)
	cancel()
	wg.Wait()
	return nil
}

type workerConn struct {
	hub         *Hub
	id          string
	uname       string
	remoteAddr  string
	concurrency int
	conn        *websocket.Conn
	cancel      context.CancelFunc
	connectedAt time.Time

	writeMu sync.Mutex

	mu          sync.Mutex
	minPriority *int
	status      *model.WorkerStatus
	lastSeen    time.Time
	pending     map[string]chan struct{}
}

func (w *workerConn) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	running := make([]string, 0, len(w.pending))
	for rid := range w.pending {
		running = append(running, rid)
	}
	sort.Strings(running)
	return WorkerInfo{
		ID:          w.id,
		Uname:       w.uname,
		RemoteAddr:  w.remoteAddr,
		Concurrency: w.concurrency,
		MinPriority: w.minPriority,
		Running:     running,
		ConnectedAt: w.connectedAt,
		LastSeen:    w.lastSeen,
		Status:      w.status,
	}
}

func (w *workerConn) matcher() queue.Matcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	return queue.Matcher{Type: model.TaskTypeJudge, MinPriority: w.minPriority}
}

func (w *workerConn) send(msg model.ServerMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

// handle sends t to the worker and blocks until the worker ends it or the
// connection goes away.
func (w *workerConn) handle(ctx context.Context, t *model.Task) error {
	rec, err := w.hub.store.Get(ctx, t.DomainID, t.RecordID)
	if err != nil {
		if appErr.Is(err, appErr.RecordNotFound) {
			logger.Debug(ctx, "record of task is gone, dropping task")
			return nil
		}
		return err
	}
	task := t.WithRecord(rec)

	done := make(chan struct{})
	w.mu.Lock()
	w.pending[t.RecordID] = done
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.pending[t.RecordID] == done {
			delete(w.pending, t.RecordID)
		}
		w.mu.Unlock()
	}()

	if err := w.send(model.ServerMessage{Task: &task}); err != nil {
		w.cancel()
		return appErr.Wrapf(err, appErr.ConnectionClosed, "send task failed")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *workerConn) assigned(rid string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[rid]
	return ok
}

func (w *workerConn) finish(rid string) {
	w.mu.Lock()
	done, ok := w.pending[rid]
	if ok {
		delete(w.pending, rid)
	}
	w.mu.Unlock()
	if ok {
		close(done)
	}
}

func (w *workerConn) readLoop(ctx context.Context) {
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg model.WorkerMessage
		if err := w.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn(ctx, "worker read failed", zap.Error(err))
			}
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
		w.mu.Lock()
		w.lastSeen = time.Now()
		w.mu.Unlock()
		w.dispatch(ctx, msg)
	}
}

func (w *workerConn) dispatch(ctx context.Context, msg model.WorkerMessage) {
	switch msg.Key {
	case model.KeyPing:
	case model.KeyPrio:
		w.mu.Lock()
		w.minPriority = msg.Prio
		w.mu.Unlock()
	case model.KeyStatus:
		w.mu.Lock()
		w.status = msg.Info
		w.mu.Unlock()
	case model.EventNext, model.EventEnd:
		ev := msg.JudgeEvent
		evCtx := context.WithValue(ctx, contextkey.RecordID, ev.RecordID)
		if !w.assigned(ev.RecordID) {
			metrics.EventsDropped.WithLabelValues("unassigned").Inc()
			logger.Warn(evCtx, "event for a record not assigned to this worker", zap.String("key", ev.Key))
			return
		}
		if ev.Judger == "" {
			ev.Judger = w.uname
		}
		if msg.Key == model.EventNext {
			if _, err := w.hub.router.OnNext(evCtx, ev); err != nil {
				logger.Error(evCtx, "persist next event failed", zap.Error(err))
			}
			return
		}
		if _, err := w.hub.router.OnEnd(evCtx, ev); err != nil {
			logger.Error(evCtx, "persist end event failed", zap.Error(err))
		}
		w.finish(ev.RecordID)
	default:
		logger.Warn(ctx, "unknown worker message", zap.String("key", msg.Key))
	}
}

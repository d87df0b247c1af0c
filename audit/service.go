// Package audit persists moderation actions and rejected privileged
// attempts. Writes are queued and stored in batches off the request path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pongchat/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionKick       = "channel.kick"
	ActionBan        = "channel.ban"
	ActionUnban      = "channel.unban"
	ActionMute       = "channel.mute"
	ActionUnmute     = "channel.unmute"
	ActionSetRole    = "channel.set_role"
	ActionClose      = "channel.close"
	ActionForbidden  = "forbidden"
	ActionLogin      = "auth.login"
	ActionDisconnect = "admin.disconnect"
	ActionAnnounce   = "admin.announce"
)

// Entry is one event to record. Request and Response are stored as JSON.
type Entry struct {
	TraceID   string
	ActorID   *int64
	ChannelID *int64
	Action    string
	Request   interface{}
	Response  interface{}
	Error     string
	IP        string
	Latency   time.Duration
}

// Int64 returns a pointer to v, for the optional ids of Entry.
func Int64(v int64) *int64 { return &v }

type options struct {
	buffer   int
	batch    int
	interval time.Duration
}

// Option tunes a Service.
type Option func(*options)

// WithBuffer sets how many entries may wait for the writer before Log drops.
func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

// WithBatchSize sets how many entries are written per insert.
func WithBatchSize(n int) Option { return func(o *options) { o.batch = n } }

// WithFlushInterval bounds how long a partial batch waits.
func WithFlushInterval(d time.Duration) Option { return func(o *options) { o.interval = d } }

// Stats counts what happened to logged entries.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Service writes entries asynchronously. A nil *Service discards them.
type Service struct {
	db     *gorm.DB
	opts   options
	queue  chan *model.AuditLog
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New starts a Service writing to db.
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Service {
	o := options{buffer: 1024, batch: 100, interval: 2 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	svc := &Service{
		db:     db,
		opts:   o,
		queue:  make(chan *model.AuditLog, o.buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go svc.run()
	return svc
}

func toJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// Log queues e. It never blocks: when the queue is full or the service is
// stopped the entry is counted as dropped.
func (svc *Service) Log(e Entry) {
	if svc == nil {
		return
	}
	rec := &model.AuditLog{
		TraceID:   e.TraceID,
		Action:    e.Action,
		ActorID:   e.ActorID,
		ChannelID: e.ChannelID,
		Request:   toJSON(e.Request),
		Response:  toJSON(e.Response),
		ErrorCode: e.Error,
		RemoteIP:  e.IP,
		LatencyMs: e.Latency.Milliseconds(),
	}
	select {
	case <-svc.quit:
		svc.dropped.Add(1)
		return
	default:
	}
	select {
	case svc.queue <- rec:
	default:
		svc.dropped.Add(1)
		svc.logger.Warn("audit queue full, entry dropped", zap.String("action", e.Action))
	}
}

// Stats returns the counters since New.
func (svc *Service) Stats() Stats {
	if svc == nil {
		return Stats{}
	}
	return Stats{Written: svc.written.Load(), Dropped: svc.dropped.Load(), Failed: svc.failed.Load()}
}

// Stop writes what is queued and ends the writer. It returns ctx.Err() if
// ctx ends first; the writer still finishes in the background.
func (svc *Service) Stop(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	svc.once.Do(func() { close(svc.quit) })
	select {
	case <-svc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (svc *Service) write(batch []*model.AuditLog) {
	if len(batch) == 0 {
		return
	}
	if err := svc.db.CreateInBatches(batch, svc.opts.batch).Error; err != nil {
		svc.failed.Add(uint64(len(batch)))
		svc.logger.Error("audit write failed", zap.Int("entries", len(batch)), zap.Error(err))
		return
	}
	svc.written.Add(uint64(len(batch)))
}

func (svc *Service) run() {
	defer close(svc.done)
	ticker := time.NewTicker(svc.opts.interval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, svc.opts.batch)
	flush := func() {
		svc.write(batch)
		batch = batch[:0]
	}
	for {
		select {
		case rec := <-svc.queue:
			batch = append(batch, rec)
			if len(batch) >= svc.opts.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.quit:
			for {
				select {
				case rec := <-svc.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

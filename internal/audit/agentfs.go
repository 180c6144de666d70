package audit

/*
Файл agentfs.go — журнал платежных событий (Audit Trail).

- Log не блокирует горячий путь: событие кладется в буферизованный канал,
  при переполнении сбрасывается с записью в обычный лог (Load Shedding).
- Воркер копит пачку и пишет ее одним INSERT по таймеру или по размеру.
- Stop закрывает канал и ждет финального flush (Drain Pattern).
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBatch = 100

// StorageInterface определяет, куда физически сохраняются события
type StorageInterface interface {
	WriteBatch(ctx context.Context, events []PaymentEvent) error
}

type Auditor interface {
	Log(event PaymentEvent)
}

// Options — размер буфера и период сброса (engine.audit_*).
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	// OnFill вызывается после каждой записи в буфер: len/cap для метрики заполнения
	OnFill func(used, capacity int)
}

type AgentFS struct {
	ch     chan PaymentEvent
	repo   StorageInterface
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	// Log держит RLock на время отправки, Stop берет Lock перед close(ch)
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan PaymentEvent, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "audit")),
		opts:   opts,
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event PaymentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
		if fs.opts.OnFill != nil {
			fs.opts.OnFill(len(fs.ch), cap(fs.ch))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("user_id", event.UserID),
			zap.String("trace_id", event.TraceID),
			zap.String("stage", event.Stage),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]PaymentEvent, 0, maxBatch)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if fs.opts.OnFill != nil {
			fs.opts.OnFill(len(fs.ch), cap(fs.ch))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush() // финальный сброс
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

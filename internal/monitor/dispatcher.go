package monitor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/lullaby/internal/alert"
	"github.com/MrWong99/lullaby/internal/classify"
	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/store"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("monitor: dispatcher closed")

// alertTimeout bounds a single notifier call.
const alertTimeout = 10 * time.Second

// defaultQueueDepth is the number of chunks a subject may have waiting.
const defaultQueueDepth = 16

// Classifier runs the chunk pipeline. *classify.Pipeline satisfies it.
type Classifier interface {
	Classify(ctx context.Context, chunk []byte) (classify.Result, error)
}

// job is one accepted audio chunk.
type job struct {
	conn       *Conn
	data       []byte
	generation uint64
	receivedAt time.Time
}

// Dispatcher runs classification off the connection goroutines. Each
// subject gets an ordered queue drained by one worker, so results for a
// subject are published in submission order. A global semaphore bounds how
// many pipelines run at once across all subjects.
type Dispatcher struct {
	classifier Classifier
	router     *Router
	store      *StoreGuard
	notifier   alert.Notifier
	metrics    *observe.Metrics
	sem        *semaphore.Weighted
	depth      int
	now        func() time.Time

	// ctx is the parent of all pipeline work. It is cancelled only when a
	// drain times out.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	workers sync.WaitGroup
	alerts  sync.WaitGroup
}

// DispatcherConfig sizes a [Dispatcher].
type DispatcherConfig struct {
	// Workers bounds concurrent pipeline runs. Default: GOMAXPROCS.
	Workers int
	// QueueDepth bounds pending chunks per subject. Default: 16.
	QueueDepth int
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(c Classifier, router *Router, guard *StoreGuard, notifier alert.Notifier, m *observe.Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		classifier: c,
		router:     router,
		store:      guard,
		notifier:   notifier,
		metrics:    m,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		depth:      cfg.QueueDepth,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		closing:    make(chan struct{}),
	}
}

// Enqueue queues j on s's worker. It blocks while the subject's queue is
// full, which applies backpressure to the sending connection's read loop.
func (d *Dispatcher) Enqueue(ctx context.Context, s *Session, j job) error {
	q, err := d.queueFor(s)
	if err != nil {
		return err
	}
	select {
	case q <- j:
		return nil
	case <-d.closing:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueFor returns s's queue, starting its worker on first use.
func (d *Dispatcher) queueFor(s *Session) (chan job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	s.queueOnce.Do(func() {
		s.queue = make(chan job, d.depth)
		d.workers.Add(1)
		go d.worker(s)
	})
	return s.queue, nil
}

func (d *Dispatcher) worker(s *Session) {
	defer d.workers.Done()
	for {
		select {
		case j := <-s.queue:
			d.process(s, j)
		case <-d.closing:
			for {
				select {
				case j := <-s.queue:
					d.process(s, j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(s *Session, j job) {
	ctx := observe.WithSubject(d.ctx, s.subjectID)
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	start := d.now()
	res, err := d.classifier.Classify(ctx, j.data)
	elapsed := d.now().Sub(start)
	d.sem.Release(1)
	d.finish(ctx, s, j, res, err, elapsed)
}

// finish applies a pipeline outcome to the session. Counting and
// broadcasting a result happen under the session lock.
func (d *Dispatcher) finish(ctx context.Context, s *Session, j job, res classify.Result, err error, elapsed time.Duration) {
	log := observe.Logger(ctx).With("conn_id", j.conn.id)

	s.mu.Lock()
	if j.generation != s.generation {
		s.mu.Unlock()
		d.metrics.RecordChunkDropped(ctx, observe.DropStale)
		log.Debug("monitor: dropping result from superseded recording", "generation", j.generation)
		return
	}

	if err != nil {
		next := s.chunkSeq + 1
		s.mu.Unlock()
		log.Warn("monitor: chunk classification failed", "chunk_number", next, "kind", classify.KindName(err), "err", err)
		d.router.Send(ctx, j.conn, &ProcessingError{Error: err.Error(), ChunkNumber: next})
		return
	}

	s.chunkSeq++
	n := s.chunkSeq
	recordingID := s.recordingID
	d.router.publishLocked(ctx, s, &Prediction{
		PredictedClass: res.Label,
		Confidence:     res.Confidence,
		Probabilities:  res.Probabilities,
		ProcessingTime: seconds(elapsed),
		ChunkNumber:    n,
		ChunkSize:      len(j.data),
	}, "")
	s.mu.Unlock()

	log.Debug("monitor: chunk classified", "chunk_number", n, "label", res.Label, "confidence", res.Confidence,
		"elapsed", elapsed, "since_receipt", d.now().Sub(j.receivedAt))

	at := d.now().UTC()
	d.store.AppendDetection(ctx, store.Detection{
		RecordingID:    recordingID,
		SubjectID:      s.subjectID,
		ChunkNumber:    n,
		Label:          res.Label,
		Confidence:     res.Confidence,
		Probabilities:  res.Probabilities,
		Vector:         res.Vector,
		ChunkSize:      len(j.data),
		ProcessingTime: elapsed,
		DetectedAt:     at,
	})
	d.notify(alert.Alert{
		SubjectID:   s.subjectID,
		Label:       res.Label,
		Confidence:  res.Confidence,
		ChunkNumber: n,
		At:          at,
	})
}

// notify hands a to the notifier without holding up the subject's queue.
func (d *Dispatcher) notify(a alert.Alert) {
	d.alerts.Add(1)
	go func() {
		defer d.alerts.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), alertTimeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, a); err != nil {
			observe.Logger(observe.WithSubject(ctx, a.SubjectID)).Warn("monitor: alert delivery failed", "label", a.Label, "err", err)
		}
	}()
}

// Close stops accepting chunks and waits for queued chunks and pending
// alerts to finish. If ctx expires first, in-flight pipelines are cancelled
// and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.closing)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.alerts.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

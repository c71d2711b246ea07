package dispatch

import (
	"context"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/groutine"
)

// delivery is one handler invocation with its arguments already bound.
type delivery func()

// mailbox serializes deliveries of one key on a dedicated worker. The ring
// overwrites the oldest pending delivery when the worker falls behind.
type mailbox struct {
	key  string
	ring mpmc.RichOverlappedRingBuffer[delivery]
	wake chan struct{}
}

// mailboxes owns the per-key workers.
type mailboxes struct {
	size    uint32
	logger  *logrus.Logger
	metrics *Metrics
	onPanic groutine.PanicHandler

	mu    sync.Mutex
	boxes map[string]*mailbox
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newMailboxes(size uint32, logger *logrus.Logger, metrics *Metrics, onPanic groutine.PanicHandler) *mailboxes {
	return &mailboxes{
		size:    size,
		logger:  logger,
		metrics: metrics,
		onPanic: onPanic,
		boxes:   make(map[string]*mailbox),
		stop:    make(chan struct{}),
	}
}

// post queues d on key's mailbox, starting its worker on first use. It never blocks.
func (m *mailboxes) post(key string, d delivery) {
	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		return
	default:
	}
	mb, ok := m.boxes[key]
	if !ok {
		mb = &mailbox{
			key:  key,
			ring: mpmc.NewOverlappedRingBuffer[delivery](m.size),
			wake: make(chan struct{}, 1),
		}
		m.boxes[key] = mb
		m.wg.Add(1)
		groutine.Go(context.Background(), "blez-mailbox:"+key, func(ctx context.Context) {
			defer m.wg.Done()
			m.run(mb)
		})
	}
	m.mu.Unlock()

	overwrites, err := mb.ring.EnqueueM(d)
	if err != nil {
		m.metrics.Dropped.Inc()
		m.logger.WithError(err).WithField("key", key).Warn("Callback queue rejected a delivery")
		return
	}
	if overwrites > 0 {
		m.metrics.Overwritten.Add(int64(overwrites))
		m.logger.WithFields(logrus.Fields{
			"key":         key,
			"overwritten": overwrites,
		}).Warn("Callback queue full, oldest deliveries dropped")
	}

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (m *mailboxes) run(mb *mailbox) {
	for {
		select {
		case <-m.stop:
			return
		case <-mb.wake:
		}
		for {
			select {
			case <-m.stop:
				return
			default:
			}
			d, err := mb.ring.Dequeue()
			if err != nil {
				break
			}
			if groutine.Call(mb.key, d, m.onPanic) {
				m.metrics.Delivered.Inc()
			}
		}
	}
}

// close stops every worker and waits for in-flight handlers to return.
func (m *mailboxes) close() {
	m.mu.Lock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *mailboxes) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes)
}

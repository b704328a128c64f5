package query

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watch registers a consumer of the layer's reads. While at least one
// consumer is active, chain statistics and the latest transactions are
// refetched every Poll interval of their policy, and so are the balances of
// the given addresses. The returned release function unregisters the
// consumer; calling it more than once has no effect.
func (l *Layer) Watch(addresses ...string) (release func()) {
	l.poller.acquire(addresses)

	var once sync.Once
	return func() {
		once.Do(func() { l.poller.release(addresses) })
	}
}

// Polling reports whether a poll loop is running.
func (l *Layer) Polling() bool {
	l.poller.mu.Lock()
	defer l.poller.mu.Unlock()
	return l.poller.cancel != nil
}

// Close stops polling regardless of active consumers. Watch no longer
// polls after Close, and releasing an earlier Watch has no effect.
func (l *Layer) Close() {
	l.poller.stop()
}

type poller struct {
	layer *Layer

	mu        sync.Mutex
	closed    bool
	consumers int
	balances  map[string]int
	cancel    context.CancelFunc
	done      chan struct{}
}

func (p *poller) acquire(addresses []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if p.balances == nil {
		p.balances = make(map[string]int)
	}
	for _, a := range addresses {
		p.balances[a]++
	}
	p.consumers++
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done, p.tickers())
	p.layer.log.Debug("polling started")
}

func (p *poller) release(addresses []string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for _, a := range addresses {
		if p.balances[a]--; p.balances[a] <= 0 {
			delete(p.balances, a)
		}
	}
	p.consumers--
	if p.consumers > 0 {
		p.mu.Unlock()
		return
	}
	cancel, done := p.detach()
	p.mu.Unlock()

	p.halt(cancel, done)
}

func (p *poller) stop() {
	p.mu.Lock()
	p.closed = true
	p.balances = nil
	cancel, done := p.detach()
	p.mu.Unlock()

	p.halt(cancel, done)
}

// detach must be called with mu held.
func (p *poller) detach() (context.CancelFunc, chan struct{}) {
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.consumers = 0
	return cancel, done
}

func (p *poller) halt(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.layer.log.Debug("polling stopped")
}

func (p *poller) addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.balances))
	for a := range p.balances {
		out = append(out, a)
	}
	return out
}

type tickers struct {
	stats, txs, balances <-chan time.Time
	stop                 []func()
}

// tickers are created before the loop starts so that the poll schedule is
// anchored at the moment the first consumer arrived.
func (p *poller) tickers() tickers {
	var t tickers
	var stop func()
	t.stats, stop = p.ticker(p.layer.cfg.ChainStats.Poll)
	t.stop = append(t.stop, stop)
	t.txs, stop = p.ticker(p.layer.cfg.Transactions.Poll)
	t.stop = append(t.stop, stop)
	t.balances, stop = p.ticker(p.layer.cfg.Balance.Poll)
	t.stop = append(t.stop, stop)
	return t
}

func (p *poller) loop(ctx context.Context, done chan struct{}, t tickers) {
	defer close(done)
	defer func() {
		for _, stop := range t.stop {
			stop()
		}
	}()

	l := p.layer
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stats:
			l.Invalidate(keyChainStats)
			if _, err := l.ChainStats(ctx); err != nil {
				p.failed(ctx, keyChainStats, err)
			}
		case <-t.txs:
			key := TransactionsKey(l.cfg.TransactionsLimit)
			l.Invalidate(key)
			if _, err := l.LatestTransactions(ctx, l.cfg.TransactionsLimit); err != nil {
				p.failed(ctx, key, err)
			}
		case <-t.balances:
			for _, a := range p.addresses() {
				l.Invalidate(BalanceKey(a))
				if _, err := l.AccountBalance(ctx, a); err != nil {
					p.failed(ctx, BalanceKey(a), err)
				}
			}
		}
	}
}

func (p *poller) failed(ctx context.Context, key string, err error) {
	if ctx.Err() != nil {
		return
	}
	p.layer.log.Warn("poll failed", zap.String("key", key), zap.Error(err))
}

// ticker returns a nil channel for a zero interval, which never fires.
func (p *poller) ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := p.layer.clock.Ticker(d)
	return t.C, t.Stop
}

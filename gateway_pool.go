package mcpforge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpforge/mcpforge/internal/framing"
)

// BackendPoolConfig tunes one backend's connection pool (spec.md
// §4.11). Min is a soft floor attained after the first acquisition
// rather than pre-warmed at construction (spec.md §9 open question b).
type BackendPoolConfig struct {
	Min                 int           `json:"min,omitempty" koanf:"min"`
	Max                 int           `json:"max,omitempty" koanf:"max"`
	IdleTimeout         time.Duration `json:"idle_timeout,omitempty" koanf:"idle_timeout"`
	ConnectTimeout      time.Duration `json:"connect_timeout,omitempty" koanf:"connect_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty" koanf:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout,omitempty" koanf:"health_check_timeout"`

	// AcquireTimeout bounds how long Acquire waits on its condition
	// variable for a connection to free up when the caller's ctx carries
	// no deadline of its own (spec.md §4.11's "acquire(deadline)").
	AcquireTimeout time.Duration `json:"acquire_timeout,omitempty" koanf:"acquire_timeout"`
}

// DefaultBackendPoolConfig mirrors the teacher's DefaultPoolConfig
// defaults, retuned for a gateway's framed TCP connections.
func DefaultBackendPoolConfig() BackendPoolConfig {
	return BackendPoolConfig{
		Min:                 1,
		Max:                 10,
		IdleTimeout:         30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		AcquireTimeout:      5 * time.Second,
	}
}

func (c *BackendPoolConfig) applyDefaults() {
	d := DefaultBackendPoolConfig()
	if c.Min < 0 {
		c.Min = d.Min
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
}

// pooledBackendConn wraps one TCP connection to a gateway backend with
// pool bookkeeping, grounded on teacher's go/websocket_pool.go
// pooledConn.
type pooledBackendConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	inUse    bool
	created  time.Time
	lastUsed time.Time
}

// BackendPool manages framed TCP connections to a single gateway
// backend address: acquire-for-forward, release-after-reply, idle
// eviction, and a throttled health-check sweep (spec.md §4.11, I6).
// Grounded on teacher's go/websocket_pool.go (WebSocketPool/endpointPool
// maintenance loop), generalized from WebSocket upgrades to dialed
// framed TCP connections. Acquire blocks a caller on cond (one mutex
// plus one condition variable, per spec.md §5) rather than failing fast,
// so a momentarily saturated backend doesn't immediately read as down.
type BackendPool struct {
	addr   string
	config BackendPoolConfig
	codec  framing.Codec
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	conns   []*pooledBackendConn
	pending int // dials in flight, reserved against Max so concurrent Acquire calls can't overshoot it

	probeLimiter *rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBackendPool builds a pool dialing addr on demand and starts its
// maintenance goroutine.
func NewBackendPool(addr string, config BackendPoolConfig, maxFrameSize int, logger *slog.Logger) *BackendPool {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &BackendPool{
		addr:   addr,
		config: config,
		codec:  framing.Codec{MaxFrameSize: maxFrameSize},
		logger: logger,
		// One health probe per connection-interval on average; chaining
		// many backends' maintenance loops never floods a backend that
		// is already struggling.
		probeLimiter: rate.NewLimiter(rate.Every(config.HealthCheckInterval), 1),
		stop:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.maintain()
	return p
}

// Acquire returns an idle connection, dials a new one if the pool has
// not reached Max, or blocks until either happens, bounded by ctx's
// deadline (spec.md §4.11: "wait on a condition until either a
// connection is returned or the deadline elapses"). in_use+idle+pending
// never exceeds Max (I6).
func (p *BackendPool) Acquire(ctx context.Context) (*pooledBackendConn, error) {
	p.mu.Lock()
	for {
		for _, pc := range p.conns {
			if !pc.inUse {
				pc.inUse = true
				pc.lastUsed = time.Now()
				p.mu.Unlock()
				return pc, nil
			}
		}
		if len(p.conns)+p.pending < p.config.Max {
			p.pending++
			break
		}
		if err := p.waitForCapacity(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.mu.Unlock()

	dialer := net.Dialer{Timeout: p.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		p.cond.Broadcast()
		return nil, fmt.Errorf("mcpforge: dial backend %s: %w", p.addr, err)
	}

	pc := &pooledBackendConn{conn: conn, reader: framing.NewBufferedReader(conn), inUse: true, created: time.Now(), lastUsed: time.Now()}
	p.mu.Lock()
	p.pending--
	p.conns = append(p.conns, pc)
	p.mu.Unlock()
	return pc, nil
}

// waitForCapacity blocks the caller (which must hold p.mu) on p.cond
// until woken by a Release/Discard/failed-dial or ctx is done, whichever
// comes first. It always returns with p.mu held.
func (p *BackendPool) waitForCapacity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()
	p.cond.Wait()
	return ctx.Err()
}

// Release marks pc idle again, keeping it pooled for reuse, and wakes
// any Acquire callers blocked waiting for capacity.
func (p *BackendPool) Release(pc *pooledBackendConn) {
	p.mu.Lock()
	pc.inUse = false
	pc.lastUsed = time.Now()
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Discard removes pc from the pool and closes its connection, for use
// after a write/read error that leaves the connection unusable. Wakes
// any Acquire callers blocked waiting for capacity, since this frees a
// slot against Max.
func (p *BackendPool) Discard(pc *pooledBackendConn) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	pc.conn.Close()
	p.cond.Broadcast()
}

// SendRequest writes payload as one frame on pc and blocks for the
// matching framed reply, honoring ctx's deadline.
func (p *BackendPool) SendRequest(ctx context.Context, pc *pooledBackendConn, payload []byte) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetDeadline(deadline)
	} else {
		pc.conn.SetDeadline(time.Time{})
	}
	if err := p.codec.WriteFrame(pc.conn, payload); err != nil {
		return nil, err
	}
	return p.codec.ReadFrame(ctx, pc.reader)
}

// InUse and Idle report live counts for tests asserting I6.
func (p *BackendPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.inUse {
			n++
		}
	}
	return n
}

func (p *BackendPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if !c.inUse {
			n++
		}
	}
	return n
}

// maintain evicts idle connections past IdleTimeout (never below Min)
// and health-checks the rest, rate-limited by probeLimiter so a
// struggling backend isn't hammered by its own pool's upkeep.
func (p *BackendPool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *BackendPool) sweep() {
	now := time.Now()

	p.mu.Lock()
	idleTotal := 0
	for _, c := range p.conns {
		if !c.inUse {
			idleTotal++
		}
	}
	var toClose []*pooledBackendConn
	kept := p.conns[:0]
	for _, c := range p.conns {
		if !c.inUse && idleTotal > p.config.Min && now.Sub(c.lastUsed) > p.config.IdleTimeout {
			toClose = append(toClose, c)
			idleTotal--
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
	probeCandidates := make([]*pooledBackendConn, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.inUse {
			probeCandidates = append(probeCandidates, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		c.conn.Close()
	}

	if len(probeCandidates) == 0 || !p.probeLimiter.Allow() {
		return
	}
	// Health-check one idle connection per tick: a short-deadline ping
	// round trip. A failure discards the connection instead of leaving
	// a dead socket in the pool for a future Acquire to hand out.
	pc := probeCandidates[0]
	p.mu.Lock()
	if pc.inUse {
		p.mu.Unlock()
		return
	}
	pc.inUse = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckTimeout)
	_, err := p.SendRequest(ctx, pc, []byte(`{"jsonrpc":"2.0","id":"health","method":"ping"}`))
	cancel()
	if err != nil {
		p.logger.Debug("backend health check failed", "addr", p.addr, "error", err)
		p.Discard(pc)
		return
	}
	p.Release(pc)
}

// Stop halts maintenance and closes every pooled connection.
func (p *BackendPool) Stop() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.conn.Close()
	}
	p.conns = nil
}

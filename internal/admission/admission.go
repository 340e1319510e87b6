// Package admission implements spec.md §4.6/§5's "coarse admission limits":
// a connection-rate guard plus a CPU/memory emergency brake, sitting in
// front of the server loop's hard max_connections ceiling.
//
// Grounded on ws/internal/shared/limits/resource_guard.go (CPU/memory
// sampling and emergency-brake thresholds) and
// ws/internal/shared/limits/connection_rate_limiter.go (per-IP and global
// token-bucket connection rate limiting).
package admission

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Config is the static policy a Guard enforces.
type Config struct {
	// CPURejectThreshold rejects new connections once host CPU usage
	// exceeds this percentage (0 disables the check).
	CPURejectThreshold float64
	// MemoryLimitBytes rejects new connections once the Go heap's allocated
	// bytes (runtime.MemStats.Alloc) exceed this many bytes (0 disables the
	// check).
	MemoryLimitBytes int64

	// Per-IP connection-rate token bucket.
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	// Global connection-rate token bucket.
	GlobalBurst int
	GlobalRate  float64

	SampleInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 2 * time.Second
	}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Guard decides whether the server loop should accept a newly-arrived
// connection: its rate stays within the configured token buckets and the
// host isn't already under CPU/memory pressure.
type Guard struct {
	cfg Config
	log zerolog.Logger

	globalLimiter *rate.Limiter
	ipMu          sync.Mutex
	ipLimiters    map[string]*ipLimiterEntry

	currentCPU atomic.Value // float64
	stop       chan struct{}
	stopOnce   sync.Once
}

// New builds a Guard and starts its background CPU sampler and stale-IP
// cleanup loop.
func New(cfg Config, log zerolog.Logger) *Guard {
	cfg.setDefaults()
	g := &Guard{
		cfg:           cfg,
		log:           log.With().Str("component", "admission").Logger(),
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipLimiters:    make(map[string]*ipLimiterEntry),
		stop:          make(chan struct{}),
	}
	g.currentCPU.Store(0.0)
	go g.sampleLoop()
	go g.cleanupLoop()
	return g
}

// Allow reports whether a new connection from remoteAddr should be
// accepted. It checks the global and per-IP rate buckets first (cheap),
// then the CPU/memory emergency brake.
func (g *Guard) Allow(remoteAddr net.Addr) bool {
	if !g.globalLimiter.Allow() {
		g.log.Debug().Msg("connection rejected: global rate limit exceeded")
		return false
	}

	ip := hostOf(remoteAddr)
	if !g.ipLimiter(ip).Allow() {
		g.log.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit exceeded")
		return false
	}

	if g.cfg.CPURejectThreshold > 0 {
		if cpuPct := g.currentCPU.Load().(float64); cpuPct > g.cfg.CPURejectThreshold {
			g.log.Debug().Float64("cpu_percent", cpuPct).Msg("connection rejected: cpu overload")
			return false
		}
	}

	if g.cfg.MemoryLimitBytes > 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		if int64(mem.Alloc) > g.cfg.MemoryLimitBytes {
			g.log.Debug().Uint64("alloc_bytes", mem.Alloc).Msg("connection rejected: memory limit exceeded")
			return false
		}
	}

	return true
}

func (g *Guard) ipLimiter(ip string) *rate.Limiter {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	entry, ok := g.ipLimiters[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(g.cfg.IPRate), g.cfg.IPBurst)
	g.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (g *Guard) sampleLoop() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				g.currentCPU.Store(pct[0])
			}
		case <-g.stop:
			return
		}
	}
}

func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			g.ipMu.Lock()
			for ip, entry := range g.ipLimiters {
				if now.Sub(entry.lastAccess) > g.cfg.IPTTL {
					delete(g.ipLimiters, ip)
				}
			}
			g.ipMu.Unlock()
		case <-g.stop:
			return
		}
	}
}

// Stop terminates the background sampling and cleanup loops.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

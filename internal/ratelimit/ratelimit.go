// Package ratelimit protects the long-poll endpoint from poll storms: a
// misbehaving or compromised client reconnecting in a tight loop must not
// starve the ConnectionManager's monitor or the backend of capacity needed
// by well-behaved clients. Two levels: a token bucket per remote IP plus a
// global bucket over the whole endpoint.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config tunes the per-IP and global token buckets. Zero values fall back
// to the defaults below.
type Config struct {
	PerIPBurst int           // max burst requests per remote IP
	PerIPRate  float64       // sustained requests/sec per remote IP
	PerIPTTL   time.Duration // forget an IP's bucket after this much idle time

	GlobalBurst int     // max burst requests system-wide
	GlobalRate  float64 // sustained requests/sec system-wide
}

const (
	DefaultPerIPBurst   = 20
	DefaultPerIPRate    = 5.0
	DefaultPerIPTTL     = 5 * time.Minute
	DefaultGlobalBurst  = 1000
	DefaultGlobalRate   = 200.0
)

// Limiter is a two-level (per-IP, global) token-bucket admission check for
// incoming long-poll requests. The zero value is not usable; build with New.
type Limiter struct {
	mu      sync.Mutex
	byIP    map[string]*entry
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stop chan struct{}
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a Limiter and starts its idle-IP sweeper. Call Stop when done.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.PerIPBurst == 0 {
		cfg.PerIPBurst = DefaultPerIPBurst
	}
	if cfg.PerIPRate == 0 {
		cfg.PerIPRate = DefaultPerIPRate
	}
	if cfg.PerIPTTL == 0 {
		cfg.PerIPTTL = DefaultPerIPTTL
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = DefaultGlobalBurst
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = DefaultGlobalRate
	}

	l := &Limiter{
		byIP:    make(map[string]*entry),
		ipBurst: cfg.PerIPBurst,
		ipRate:  cfg.PerIPRate,
		ipTTL:   cfg.PerIPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request from ip may proceed. It checks the
// global bucket first so a single hot IP can't starve the cheap path for
// everyone else.
func (l *Limiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("rejected: global rate limit exceeded")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("rejected: per-ip rate limit exceeded")
		return false
	}
	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byIP[ip]
	if ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e = &entry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.byIP[ip] = e
	return e.limiter
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, e := range l.byIP {
		if now.Sub(e.lastAccess) > l.ipTTL {
			delete(l.byIP, ip)
		}
	}
}

// Stop shuts down the idle-IP sweeper. Safe to call once.
func (l *Limiter) Stop() { close(l.stop) }

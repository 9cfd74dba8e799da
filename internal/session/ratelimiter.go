package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeRateLimiter throttles inbound handshake initiations before
// the expensive DH operations in noise.IdentifyInitiation run, and
// tracks whether the process is "under load" so callers know to answer
// with a CookieReply instead of a full Response (spec §4.C, §7).
//
// golang.org/x/time/rate is the pack's one maintained token-bucket
// implementation (also used by the teacher repo's transitive deps); the
// teacher itself never needed an inbound limiter since it trusts
// WebRTC/DTLS for peer identity before any handshake-shaped work happens.
type HandshakeRateLimiter struct {
	mu       sync.Mutex
	global   *rate.Limiter
	perAddr  map[string]*rate.Limiter
	lastGC   time.Time
	rejected int
	lastBusy time.Time
}

// underLoadWindow is how recently a rejection must have occurred for the
// limiter to report UnderLoad, i.e. how long the responder keeps issuing
// cookie replies after the flood appears to have stopped.
const underLoadWindow = 1 * time.Second

// NewHandshakeRateLimiter builds a limiter allowing ratePerSecond
// handshake initiations per second in aggregate, plus a per-source-address
// sub-limit to stop one flooding peer from consuming the whole budget.
func NewHandshakeRateLimiter(ratePerSecond int) *HandshakeRateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultHandshakeRateHz
	}
	return &HandshakeRateLimiter{
		global:  rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		perAddr: make(map[string]*rate.Limiter),
		lastGC:  time.Now(),
	}
}

// Allow reports whether a handshake initiation from srcAddr (a string
// key such as "ip:port") may proceed. Rejections mark the limiter as
// under load for underLoadWindow.
func (l *HandshakeRateLimiter) Allow(srcAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastGC) > time.Minute {
		l.perAddr = make(map[string]*rate.Limiter)
		l.lastGC = time.Now()
	}

	addrLimiter, ok := l.perAddr[srcAddr]
	if !ok {
		// A single source gets at most a fifth of the aggregate budget.
		perAddrRate := rate.Limit(float64(l.global.Limit()) / 5)
		if perAddrRate < 1 {
			perAddrRate = 1
		}
		addrLimiter = rate.NewLimiter(perAddrRate, int(perAddrRate)+1)
		l.perAddr[srcAddr] = addrLimiter
	}

	if !addrLimiter.Allow() || !l.global.Allow() {
		l.rejected++
		l.lastBusy = time.Now()
		return false
	}
	return true
}

// UnderLoad reports whether the limiter has rejected an initiation
// recently enough that new initiations are answered with a CookieReply
// instead of a Response (spec's "under load" cookie throttling mode).
func (l *HandshakeRateLimiter) UnderLoad() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastBusy.IsZero() && time.Since(l.lastBusy) < underLoadWindow
}

// Package upstream tracks the application server pool and endpoint liveness.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrNoHealthyUpstream is returned by Pick when every endpoint is down.
	ErrNoHealthyUpstream = errors.New("no healthy upstream")
	// ErrEmptyPool is returned by NewPool without endpoints.
	ErrEmptyPool = errors.New("upstream pool is empty")
)

// Endpoint is one application server. Name is the logical name sent as Host.
type Endpoint struct {
	Name string
	Host string
	Port int
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.Host {
		return e.Name + "(" + e.Addr() + ")"
	}
	return e.Addr()
}

// Status is a point-in-time view of one endpoint
type Status struct {
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	Healthy  bool      `json:"healthy"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retry_at,omitzero"`
}

type member struct {
	endpoint Endpoint

	mu       sync.Mutex
	down     bool
	failures int
	retryAt  time.Time
}

// eligible reports whether the member may receive traffic at now. Without
// active recovery a down member becomes eligible again once its cooldown has
// elapsed; with it, only a successful probe brings the member back.
func (m *member) eligible(now time.Time, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.down {
		return true
	}
	return !active && !now.Before(m.retryAt)
}

// Balancer is the view of the pool used by the proxy and relay
type Balancer interface {
	Pick() (Endpoint, error)
	PickExcept(skip Endpoint) (Endpoint, error)
	ReportFailure(ep Endpoint)
	ReportSuccess(ep Endpoint)
}

var _ Balancer = (*Pool)(nil)

// Config configures failure cooldowns
type Config struct {
	CooldownInitial time.Duration
	CooldownMax     time.Duration
	// ActiveRecovery keeps down endpoints out of rotation until a Prober
	// reports them healthy. The cooldown then only spaces out probes.
	ActiveRecovery bool
}

// Pool selects endpoints round-robin among the healthy ones
type Pool struct {
	members []*member
	byAddr  map[string]*member
	next    atomic.Uint64
	clock   clock.Clock
	cfg     Config

	onChange  func(Endpoint, bool)
	onFailure func(Endpoint)
}

// NewPool creates a pool with every endpoint initially healthy
func NewPool(endpoints []Endpoint, cfg Config, clk clock.Clock) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrEmptyPool
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CooldownInitial <= 0 {
		cfg.CooldownInitial = time.Second
	}
	if cfg.CooldownMax < cfg.CooldownInitial {
		cfg.CooldownMax = cfg.CooldownInitial
	}

	p := &Pool{
		byAddr: make(map[string]*member, len(endpoints)),
		clock:  clk,
		cfg:    cfg,
	}
	for _, ep := range endpoints {
		if _, dup := p.byAddr[ep.Addr()]; dup {
			return nil, fmt.Errorf("duplicate upstream endpoint %s", ep.Addr())
		}
		m := &member{endpoint: ep}
		p.members = append(p.members, m)
		p.byAddr[ep.Addr()] = m
	}
	return p, nil
}

// OnStateChange registers fn to be called whenever an endpoint flips between healthy and down.
// It must be set before the pool is shared.
func (p *Pool) OnStateChange(fn func(ep Endpoint, healthy bool)) {
	p.onChange = fn
}

// OnFailure registers fn to be called on every reported failure.
func (p *Pool) OnFailure(fn func(ep Endpoint)) {
	p.onFailure = fn
}

// Pick returns the next eligible endpoint in round-robin order
func (p *Pool) Pick() (Endpoint, error) {
	return p.pick("")
}

// PickExcept is Pick but never returns skip; used to choose a retry target.
func (p *Pool) PickExcept(skip Endpoint) (Endpoint, error) {
	return p.pick(skip.Addr())
}

func (p *Pool) pick(skipAddr string) (Endpoint, error) {
	now := p.clock.Now()
	n := uint64(len(p.members))
	start := p.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		m := p.members[(start+i)%n]
		if m.endpoint.Addr() == skipAddr {
			continue
		}
		if m.eligible(now, p.cfg.ActiveRecovery) {
			return m.endpoint, nil
		}
	}
	return Endpoint{}, ErrNoHealthyUpstream
}

// ReportFailure marks ep down and schedules its retry after an exponential
// cooldown starting at CooldownInitial and capped at CooldownMax.
func (p *Pool) ReportFailure(ep Endpoint) {
	m, ok := p.byAddr[ep.Addr()]
	if !ok {
		return
	}

	m.mu.Lock()
	wasDown := m.down
	m.failures++
	m.down = true
	m.retryAt = p.clock.Now().Add(p.cooldown(m.failures))
	m.mu.Unlock()

	if p.onFailure != nil {
		p.onFailure(ep)
	}
	if !wasDown && p.onChange != nil {
		p.onChange(ep, false)
	}
}

// ReportSuccess clears ep's down state immediately
func (p *Pool) ReportSuccess(ep Endpoint) {
	m, ok := p.byAddr[ep.Addr()]
	if !ok {
		return
	}

	m.mu.Lock()
	wasDown := m.down
	m.down = false
	m.failures = 0
	m.retryAt = time.Time{}
	m.mu.Unlock()

	if wasDown && p.onChange != nil {
		p.onChange(ep, true)
	}
}

func (p *Pool) cooldown(failures int) time.Duration {
	d := p.cfg.CooldownInitial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	return d
}

// Endpoints returns every configured endpoint in order
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.members))
	for i, m := range p.members {
		out[i] = m.endpoint
	}
	return out
}

// Healthy counts endpoints not marked down
func (p *Pool) Healthy() int {
	n := 0
	for _, m := range p.members {
		m.mu.Lock()
		if !m.down {
			n++
		}
		m.mu.Unlock()
	}
	return n
}

// Snapshot returns the state of every endpoint
func (p *Pool) Snapshot() []Status {
	out := make([]Status, len(p.members))
	for i, m := range p.members {
		m.mu.Lock()
		out[i] = Status{
			Name:     m.endpoint.Name,
			Addr:     m.endpoint.Addr(),
			Healthy:  !m.down,
			Failures: m.failures,
			RetryAt:  m.retryAt,
		}
		m.mu.Unlock()
	}
	return out
}

// due returns down endpoints whose cooldown has elapsed
func (p *Pool) due() []Endpoint {
	now := p.clock.Now()
	var out []Endpoint
	for _, m := range p.members {
		m.mu.Lock()
		if m.down && !now.Before(m.retryAt) {
			out = append(out, m.endpoint)
		}
		m.mu.Unlock()
	}
	return out
}

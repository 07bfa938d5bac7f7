package tm

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Anti-starvation constants, ported verbatim from the polling schedule
// spec.md §4.2 describes (usage_iters_active / usage_iters_starvation in the
// source this was distilled from).
const (
	UsageItersActive     = 10000
	UsageItersStarvation = 100000
)

type usage struct {
	itersPolled int
	itersActive int
	noPolling   bool
}

// Dispatch owns the known/active method tables and the scheme-prefix lazy
// activation and anti-starvation scheduling MP relies on.
type Dispatch struct {
	mu      sync.Mutex
	known   map[string]Method // statically linked TM vtables, keyed by scheme prefix
	active  []Method          // methods actually in use, in activation order
	usageOf map[string]*usage

	log     *logrus.Entry
	polled  *prometheus.CounterVec
	starved *prometheus.CounterVec
}

// NewDispatch creates an empty dispatch table. reg may be nil to skip
// metrics registration (e.g. in unit tests).
func NewDispatch(log *logrus.Entry, reg prometheus.Registerer) *Dispatch {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Dispatch{
		known:   make(map[string]Method),
		usageOf: make(map[string]*usage),
		log:     log.WithField("component", "tm-dispatch"),
		polled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corenet_tm_poll_cycles_total",
			Help: "Number of times a transport method was included in a poll cycle.",
		}, []string{"method"}),
		starved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corenet_tm_starvation_pokes_total",
			Help: "Number of times a transport method was polled purely to avoid starvation.",
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(d.polled, d.starved)
	}
	return d
}

// RegisterKnown adds method to the statically linked TM table under prefix
// (e.g. "tcp", "gm", "mx"); it is not yet active until Activate is called.
func (d *Dispatch) RegisterKnown(prefix string, method Method) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[prefix] = method
}

// Activate brings a known method up (server mode supplies listenAddr) and
// adds it to the active-method table, guarded against concurrent lazy
// activation (spec.md §4.2, active_method_count_mutex).
func (d *Dispatch) Activate(prefix, listenAddr string, flags InitFlags) (Method, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, m := range d.active {
		if m.Name() == prefix {
			return m, nil
		}
	}
	m, ok := d.known[prefix]
	if !ok {
		return nil, ErrUnknownMethod
	}
	if err := m.Initialize(listenAddr, flags); err != nil {
		return nil, err
	}
	d.active = append(d.active, m)
	d.usageOf[prefix] = &usage{noPolling: m.NoPolling()}
	d.log.WithField("method", prefix).Info("transport method activated")
	return m, nil
}

// ActivateForAddr lazily activates whichever known TM's scheme prefix
// matches addr's "<prefix>://..." form, the way a client's addr_lookup does
// (spec.md §4.2).
func (d *Dispatch) ActivateForAddr(addr string) (Method, error) {
	idx := strings.Index(addr, "://")
	if idx < 0 {
		return nil, ErrUnknownMethod
	}
	prefix := addr[:idx]
	if z := strings.IndexByte(prefix, '-'); z >= 0 {
		prefix = prefix[:z]
	}
	return d.Activate(prefix, "", 0)
}

// Active returns a snapshot of the currently active methods.
func (d *Dispatch) Active() []Method {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Method, len(d.active))
	copy(out, d.active)
	return out
}

// planEntry is one TM's outcome from a single call to Schedule.
type planEntry struct {
	method       Method
	idleTimeMs   int
	pollForSpeed bool // true if this cycle's poll is "recently active", not starvation
}

// Schedule implements the anti-starvation plan construction: a TM is
// scheduled this cycle if it was active within the last UsageItersActive
// cycles, OR has gone unpolled for UsageItersStarvation cycles, OR no TM
// meets either criterion (all are then scheduled). The idle-time budget is
// divided by the number of scheduled TMs; each starving or fallback-scheduled
// TM gets that share, while a recently active TM gets zero (busy polling).
// A lone active TM goes through the same path; there is no separate
// single-method case.
func (d *Dispatch) Schedule(maxIdleMs int) []planEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	type cand struct {
		m     Method
		plan  bool
		speed bool
	}
	cands := make([]cand, 0, len(d.active))
	anyPlanned := false

	for _, m := range d.active {
		u := d.usageOf[m.Name()]
		if u == nil || u.noPolling {
			continue
		}
		u.itersPolled++
		u.itersActive++
		plan, speed := false, false
		if u.itersActive <= UsageItersActive {
			plan, speed = true, true
		} else if u.itersPolled >= UsageItersStarvation {
			plan = true
			d.starved.WithLabelValues(m.Name()).Inc()
		}
		if plan {
			anyPlanned = true
			u.itersPolled = 0 // polled this cycle
		}
		cands = append(cands, cand{m: m, plan: plan, speed: speed})
	}

	if !anyPlanned {
		for i := range cands {
			cands[i].plan = true
			d.usageOf[cands[i].m.Name()].itersPolled = 0
		}
		anyPlanned = len(cands) > 0
	}

	numPlanned := 0
	for _, c := range cands {
		if c.plan {
			numPlanned++
		}
	}

	out := make([]planEntry, 0, numPlanned)
	idlePer := 0
	if numPlanned > 0 && maxIdleMs > 0 {
		idlePer = maxIdleMs / numPlanned
		if idlePer == 0 {
			idlePer = 1
		}
	}
	for _, c := range cands {
		if !c.plan {
			continue
		}
		idle := idlePer
		if c.speed {
			idle = 0 // busy polling: recently active methods don't wait
		}
		d.polled.WithLabelValues(c.m.Name()).Inc()
		out = append(out, planEntry{method: c.m, idleTimeMs: idle, pollForSpeed: c.speed})
	}
	return out
}

// MarkActive resets a method's starvation counters; called whenever it
// surfaces a completion, so a busy TM keeps being favored next cycle.
func (d *Dispatch) MarkActive(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.usageOf[name]; ok {
		u.itersActive = 0
		u.itersPolled = 0
	}
}

// ErrUnknownMethod is returned when no known TM matches a requested prefix.
var ErrUnknownMethod = dispatchErr("unknown transport method")

type dispatchErr string

func (e dispatchErr) Error() string { return string(e) }

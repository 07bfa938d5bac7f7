// Package mp is the Message-Passing shim's executable Core: it brings up
// transport methods, owns the address reference list and id registry, and
// exposes the single post/test/testsome/testcontext/testunexpected/cancel
// surface spec.md §4.2 describes, fanned out across whichever TMs are
// active via bmi/tm's anti-starvation Dispatch.
//
// It is a separate package from bmi itself (which holds the shared handle
// types every layer imports) purely to avoid an import cycle: bmi/tm
// already imports bmi for those shared types, so the executable Core that
// in turn depends on bmi/tm cannot live inside package bmi.
package mp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/idreg"
	"github.com/parafs/corenet/bmi/reflist"
	"github.com/parafs/corenet/bmi/tm"
)

// Core is the MP handle (spec.md §9's "promote global state to an explicit
// Core handle" design note). Nothing is package-global, so several Cores can
// coexist in one process, as the tests' server/client pair does.
type Core struct {
	dispatch *tm.Dispatch
	addrs    *reflist.List
	ids      *idreg.Registry
	log      *logrus.Entry

	ctxMu   sync.Mutex
	openCtx map[bmi.ContextID]bool
	// misrouted is a per-context backlog that TestContext returns before
	// polling; CloseContext drops a context's backlog. Nothing in this
	// package adds to it: each TM keeps its completions per context, so a
	// TM's TestContext(ctx) only yields ctx's own (spec.md §4.2 "context
	// safety").
	misrouted map[bmi.ContextID][]bmi.Completion

	forgetMu   sync.Mutex
	forgetList []forgetEntry

	dropMu       sync.Mutex
	forceDropSet map[string]bool

	// resolved maps a locally-issued MPAddr.ID back to its reflist entry and
	// owning method. Per-Core, not package-global: idreg.Registry counters
	// start fresh at 1 for every Core, so two Cores in one process (e.g. a
	// test's server/client pair) would otherwise collide on the same ids.
	resolvedMu sync.Mutex
	resolved   map[uint64]*resolved
}

type forgetEntry struct {
	method string
	tmAddr any
}

// New creates an empty Core. reg may be nil to skip metrics registration.
func New(log *logrus.Entry, reg prometheus.Registerer) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "mp-core")
	return &Core{
		dispatch:     tm.NewDispatch(log, reg),
		addrs:        reflist.New(log),
		ids:          idreg.New(),
		log:          log,
		openCtx:      make(map[bmi.ContextID]bool),
		misrouted:    make(map[bmi.ContextID][]bmi.Completion),
		forceDropSet: make(map[string]bool),
		resolved:     make(map[uint64]*resolved),
	}
}

// RegisterKnown adds a statically linked TM under its scheme prefix; it is
// not yet active until Initialize (server) or AddrLookup (client lazy
// activation) brings it up.
func (c *Core) RegisterKnown(prefix string, method tm.Method) {
	c.dispatch.RegisterKnown(prefix, method)
}

// Initialize brings up every named method, pairing method_list with
// listen_addr_list (spec.md §4.2). An empty listenAddr for a given method
// means client-mode lazy activation is used instead for that one.
func (c *Core) Initialize(methodList, listenAddrList []string, flags tm.InitFlags) error {
	for i, name := range methodList {
		listenAddr := ""
		if i < len(listenAddrList) {
			listenAddr = listenAddrList[i]
		}
		method, err := c.dispatch.Activate(name, listenAddr, flags)
		if err != nil {
			return err
		}
		c.wireCallbacks(method)
	}
	return nil
}

func (c *Core) wireCallbacks(method tm.Method) {
	setter, ok := method.(tm.AddrCallbackSetter)
	if !ok {
		return
	}
	name := method.Name()
	setter.SetAddrCallbacks(
		func(tmAddr any) {
			c.forgetMu.Lock()
			c.forgetList = append(c.forgetList, forgetEntry{method: name, tmAddr: tmAddr})
			c.forgetMu.Unlock()
		},
		func(methodName string) {
			c.dropMu.Lock()
			c.forceDropSet[methodName] = true
			c.dropMu.Unlock()
		},
	)
}

// Finalize tears every active method down.
func (c *Core) Finalize() error {
	var firstErr error
	for _, m := range c.dispatch.Active() {
		if err := m.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenContext opens a new completion domain and propagates it to every
// currently active method (spec.md §4.1.1: at most bmi.MaxContexts).
func (c *Core) OpenContext(id bmi.ContextID) error {
	c.ctxMu.Lock()
	if len(c.openCtx) >= bmi.MaxContexts {
		c.ctxMu.Unlock()
		return bmi.NewError(bmi.CodeNoMem, nil)
	}
	c.openCtx[id] = true
	c.ctxMu.Unlock()

	for _, m := range c.dispatch.Active() {
		if err := m.OpenContext(id); err != nil {
			return err
		}
	}
	return nil
}

// CloseContext closes id on every active method and drops it locally.
func (c *Core) CloseContext(id bmi.ContextID) error {
	c.ctxMu.Lock()
	delete(c.openCtx, id)
	delete(c.misrouted, id)
	c.ctxMu.Unlock()

	for _, m := range c.dispatch.Active() {
		_ = m.CloseContext(id)
	}
	return nil
}

// resolved is what AddrLookup hands back internally: the reflist entry plus
// the owning method, so post calls don't have to re-resolve.
type resolved struct {
	entry  *reflist.AddressEntry
	method tm.Method
}

// AddrLookup parses s, lazily activates the matching TM (client mode), opens
// on it every context already open on the Core, asks the TM to resolve the string to its private address struct, and returns
// (or reuses) the MPAddr for it. Per spec.md's invariant, the same string
// yields the same MPAddr while the entry's refcount stays above zero.
func (c *Core) AddrLookup(s string) (bmi.MPAddr, error) {
	if e, ok := c.addrs.LookupString(s); ok {
		c.addrs.IncRef(e)
		return bmi.MPAddr{ID: e.ID, String: e.String}, nil
	}

	method, err := c.dispatch.ActivateForAddr(s)
	if err != nil {
		return bmi.MPAddr{}, err
	}
	c.ctxMu.Lock()
	open := make([]bmi.ContextID, 0, len(c.openCtx))
	for id := range c.openCtx {
		open = append(open, id)
	}
	c.ctxMu.Unlock()
	for _, id := range open {
		_ = method.OpenContext(id) // Already on a method that was active when id was opened
	}
	tmAddr, err := method.AddrLookup(s)
	if err != nil {
		return bmi.MPAddr{}, err
	}

	id := c.ids.Register(nil)
	entry := c.addrs.Insert(id, s, method.Name(), tmAddr)
	c.storeResolved(id, &resolved{entry: entry, method: method})
	return bmi.MPAddr{ID: id, String: entry.String}, nil
}

func (c *Core) storeResolved(id uint64, r *resolved) {
	c.resolvedMu.Lock()
	c.resolved[id] = r
	c.resolvedMu.Unlock()
}

func (c *Core) deleteResolved(id uint64) {
	c.resolvedMu.Lock()
	delete(c.resolved, id)
	c.resolvedMu.Unlock()
}

// AddrRevLookup reconstructs the string form addr was resolved from, if its
// owning TM supports reverse lookup.
func (c *Core) AddrRevLookup(addr bmi.MPAddr) (string, bool) {
	r, ok := c.resolve(addr)
	if !ok {
		return "", false
	}
	return r.method.AddrRevLookup(r.entry.TMAddr)
}

func (c *Core) resolve(addr bmi.MPAddr) (*resolved, bool) {
	c.resolvedMu.Lock()
	r, ok := c.resolved[addr.ID]
	c.resolvedMu.Unlock()
	return r, ok
}

// IncAddrRef / DecAddrRef implement the set_info(IncAddrRef|DecAddrRef, ...)
// refcounting surface (spec.md §4.2).
func (c *Core) IncAddrRef(addr bmi.MPAddr) error {
	r, ok := c.resolve(addr)
	if !ok {
		return bmi.NewError(bmi.CodeInval, nil)
	}
	c.addrs.IncRef(r.entry)
	return nil
}

func (c *Core) DecAddrRef(addr bmi.MPAddr) error {
	r, ok := c.resolve(addr)
	if !ok {
		return bmi.NewError(bmi.CodeInval, nil)
	}
	c.addrs.DecRef(r.entry, func(e *reflist.AddressEntry) bool {
		v, err := r.method.GetInfo(bmi.InfoDropAddrQuery)
		if err != nil {
			return false
		}
		may, _ := v.(bool)
		if may {
			_ = r.method.SetInfo(bmi.InfoDropAddr, e.TMAddr)
			c.deleteResolved(addr.ID)
		}
		return may
	})
	return nil
}

// PostSend posts a single-buffer send; PostSendList is the mandatory
// scatter/gather form (spec.md §4.1.2) every TM actually implements.
func (c *Core) PostSend(addr bmi.MPAddr, buf []byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	return c.PostSendList(addr, [][]byte{buf}, tag, mode, ctx, userPtr)
}

func (c *Core) PostSendList(addr bmi.MPAddr, buffers [][]byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	r, ok := c.resolve(addr)
	if !ok {
		return 0, false, bmi.NewError(bmi.CodeInval, nil)
	}
	opID, immediate, err := r.method.PostSendList(r.entry.TMAddr, buffers, tag, mode, ctx, userPtr)
	return bmi.OpID(opID), immediate, err
}

func (c *Core) PostRecv(addr bmi.MPAddr, buf []byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	return c.PostRecvList(addr, [][]byte{buf}, tag, int64(len(buf)), mode, ctx, userPtr)
}

func (c *Core) PostRecvList(addr bmi.MPAddr, buffers [][]byte, tag uint32, expected int64, mode uint32, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	r, ok := c.resolve(addr)
	if !ok {
		return 0, false, bmi.NewError(bmi.CodeInval, nil)
	}
	opID, immediate, err := r.method.PostRecvList(r.entry.TMAddr, buffers, tag, expected, mode, ctx, userPtr)
	return bmi.OpID(opID), immediate, err
}

func (c *Core) PostSendUnexpected(addr bmi.MPAddr, buf []byte, tag uint32, class uint8, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	return c.PostSendUnexpectedList(addr, [][]byte{buf}, tag, class, ctx, userPtr)
}

func (c *Core) PostSendUnexpectedList(addr bmi.MPAddr, buffers [][]byte, tag uint32, class uint8, ctx bmi.ContextID, userPtr any) (bmi.OpID, bool, error) {
	r, ok := c.resolve(addr)
	if !ok {
		return 0, false, bmi.NewError(bmi.CodeInval, nil)
	}
	opID, immediate, err := r.method.PostSendUnexpectedList(r.entry.TMAddr, buffers, tag, class, ctx, userPtr)
	return bmi.OpID(opID), immediate, err
}

// Test reaps one specific op across whichever active method owns it.
func (c *Core) Test(opID bmi.OpID, ctx bmi.ContextID) (bool, bmi.Completion, error) {
	for _, m := range c.dispatch.Active() {
		done, comp, err := m.Test(uint64(opID), ctx)
		if done || err != nil {
			if done {
				c.dispatch.MarkActive(m.Name())
			}
			return done, comp, err
		}
	}
	return false, bmi.Completion{}, nil
}

// TestContext reaps up to incount completions in ctx, fanning the anti-
// starvation poll plan (spec.md §4.2) out across active methods. Context
// safety (spec.md §4.2) rests on the TMs: each method's TestContext returns
// only completions posted in ctx, so nothing is re-queued here.
func (c *Core) TestContext(incount int, ctx bmi.ContextID, timeoutMs int) ([]bmi.Completion, error) {
	c.ctxMu.Lock()
	if q := c.misrouted[ctx]; len(q) > 0 {
		take := q
		if len(take) > incount {
			take = take[:incount]
			c.misrouted[ctx] = q[incount:]
		} else {
			delete(c.misrouted, ctx)
		}
		c.ctxMu.Unlock()
		if len(take) > 0 {
			return take, nil
		}
	} else {
		c.ctxMu.Unlock()
	}

	c.processForgetAndDropLists()

	plan := c.dispatch.Schedule(timeoutMs)
	out := make([]bmi.Completion, 0, incount)
	for _, entry := range plan {
		if len(out) >= incount {
			break
		}
		comps, err := entry.method.TestContext(incount-len(out), ctx, entry.idleTimeMs)
		if err != nil {
			return out, err
		}
		if len(comps) > 0 {
			c.dispatch.MarkActive(entry.method.Name())
		}
		out = append(out, comps...)
	}
	return out, nil
}

// TestUnexpected reaps incoming unexpected messages of the given class
// (hasClass=false means any class) and, each cycle, drains the forget/
// force-drop lists per spec.md §4.2.
func (c *Core) TestUnexpected(incount int, class uint8, hasClass bool, timeoutMs int) ([]bmi.Completion, error) {
	c.processForgetAndDropLists()

	plan := c.dispatch.Schedule(timeoutMs)
	out := make([]bmi.Completion, 0, incount)
	for _, entry := range plan {
		if len(out) >= incount {
			break
		}
		comps, err := entry.method.TestUnexpected(incount-len(out), class, hasClass, entry.idleTimeMs)
		if err != nil {
			return out, err
		}
		if len(comps) > 0 {
			c.dispatch.MarkActive(entry.method.Name())
			c.registerUnexpectedSenders(entry.method, comps)
		}
		out = append(out, comps...)
	}
	return out, nil
}

// registerUnexpectedSenders creates (or reuses) an AddressEntry for a peer
// whose first contact was an unexpected message, per spec.md §3's
// AddressEntry lifecycle: "created ... on first receipt of an unexpected
// message from a new peer".
func (c *Core) registerUnexpectedSenders(method tm.Method, comps []bmi.Completion) {
	for i, comp := range comps {
		if !comp.Unexpected || comp.Sender.String == "" {
			continue
		}
		if e, ok := c.addrs.LookupString(comp.Sender.String); ok {
			comps[i].Sender = bmi.MPAddr{ID: e.ID, String: e.String}
			continue
		}
		id := c.ids.Register(nil)
		// The TM's own parse of the sender string lets replies reach it; nil
		// if the TM cannot parse it.
		tmAddr, _ := method.AddrLookup(comp.Sender.String)
		entry := c.addrs.Insert(id, comp.Sender.String, method.Name(), tmAddr)
		c.storeResolved(id, &resolved{entry: entry, method: method})
		comps[i].Sender = bmi.MPAddr{ID: id, String: entry.String}
	}
}

// processForgetAndDropLists implements spec.md §4.2's forget-list (a TM
// offers one address) and force-drop-list (a TM demands every zero-refcount
// address of its own be released) protocols, both processed at the start of
// every TestContext and TestUnexpected call.
func (c *Core) processForgetAndDropLists() {
	c.forgetMu.Lock()
	forgets := c.forgetList
	c.forgetList = nil
	c.forgetMu.Unlock()

	for _, f := range forgets {
		e, ok := c.addrs.LookupByTMAddr(func(tmAddr any) bool { return tmAddr == f.tmAddr })
		if !ok {
			continue
		}
		c.tryDropQuery(e)
	}

	c.dropMu.Lock()
	methods := make([]string, 0, len(c.forceDropSet))
	for name := range c.forceDropSet {
		methods = append(methods, name)
	}
	c.forceDropSet = make(map[string]bool)
	c.dropMu.Unlock()

	for _, name := range methods {
		c.forceDropMethod(name)
	}
}

func (c *Core) tryDropQuery(e *reflist.AddressEntry) {
	c.resolvedMu.Lock()
	r, ok := c.resolved[e.ID]
	c.resolvedMu.Unlock()
	if !ok {
		return
	}
	c.addrs.DecRef(e, func(e *reflist.AddressEntry) bool {
		val, err := r.method.GetInfo(bmi.InfoDropAddrQuery)
		if err != nil {
			return false
		}
		may, _ := val.(bool)
		if may {
			c.deleteResolved(e.ID)
		}
		return may
	})
}

// forceDropMethod implements the force-drop half of spec.md §4.2: a TM
// demands that every zero-refcount address of its own be released right now,
// rather than waiting for the lazy forget-list path. Snapshot-then-visit
// avoids re-walking a list that a concurrent DecRef could shrink mid-loop,
// and each entry is tried at most once regardless of its current refcount.
func (c *Core) forceDropMethod(methodName string) {
	for _, e := range c.addrs.EntriesForMethod(methodName) {
		c.resolvedMu.Lock()
		r, ok := c.resolved[e.ID]
		c.resolvedMu.Unlock()
		if !ok {
			continue
		}
		c.addrs.TryReclaim(e, func(e *reflist.AddressEntry) bool {
			val, err := r.method.GetInfo(bmi.InfoDropAddrQuery)
			if err != nil {
				return false
			}
			may, _ := val.(bool)
			if may {
				c.deleteResolved(e.ID)
			}
			return may
		})
	}
}

// Cancel attempts to abort opID across whichever active method owns it.
// Advisory: the caller must still reap the completion normally (spec.md §7).
func (c *Core) Cancel(opID bmi.OpID, ctx bmi.ContextID) error {
	var firstErr error
	for _, m := range c.dispatch.Active() {
		if err := m.Cancel(uint64(opID), ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemAlloc / MemFree stand in for the TM memalloc hook (spec.md §5's
// AddressEntry/MethodOp ownership note): nothing in this corpus's TMs
// exposes a dedicated pinned-allocation path through the public Method
// contract (GM/MX's DMA pools are internal to those packages), so a plain
// Go slice — collected by the garbage collector — is the allocator; MemFree
// is a documented no-op rather than a fabricated manual free.
func (c *Core) MemAlloc(n int) []byte { return make([]byte, n) }
func (c *Core) MemFree(_ []byte)      {}

// UnexpectedFree releases a buffer returned by TestUnexpected. Go's GC owns
// the backing array; this exists to keep the call site matching spec.md §6's
// contract ("buffer is owned by the caller until unexpected_free is
// called") explicit in caller code.
func (c *Core) UnexpectedFree(_ []byte) {}

// SetInfo / GetInfo implement the remaining info keys that are MP-level
// rather than per-TM (spec.md §6). Per-TM keys (CheckMaxsize, GetUnexpSize,
// TcpCloseSocket, ...) are forwarded to every active method.
func (c *Core) SetInfo(key bmi.InfoKey, val any) error {
	switch key {
	case bmi.InfoIncAddrRef:
		addr, _ := val.(bmi.MPAddr)
		return c.IncAddrRef(addr)
	case bmi.InfoDecAddrRef:
		addr, _ := val.(bmi.MPAddr)
		return c.DecAddrRef(addr)
	default:
		var firstErr error
		for _, m := range c.dispatch.Active() {
			if err := m.SetInfo(key, val); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

func (c *Core) GetInfo(key bmi.InfoKey) (any, error) {
	switch key {
	case bmi.InfoCheckInit:
		return len(c.dispatch.Active()) > 0, nil
	default:
		for _, m := range c.dispatch.Active() {
			if v, err := m.GetInfo(key); err == nil {
				return v, nil
			}
		}
		return nil, bmi.NewError(bmi.CodeOpNotSupp, nil)
	}
}

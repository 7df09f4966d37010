// Package broker owns the single-primary lease and the fenced transaction
// queue. One Studio session holds the lease at a time; every queue RPC is
// gated on lease token, fence and scope so a stale primary can never claim
// or acknowledge work after a takeover.
package broker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/scope"
)

// Sentinel errors map onto the HTTP error details the plugin matches on.
var (
	ErrFenceMismatch           = errors.New("FenceMismatch")
	ErrScopeMismatch           = errors.New("ScopeMismatch")
	ErrNoPrimary               = errors.New("NoPrimary")
	ErrPrimaryAlreadyRegistered = errors.New("Primary already registered")
	ErrQueueFull               = errors.New("QueueFull")
	ErrClaimInvalidOrExpired   = errors.New("ClaimInvalidOrExpired")
	ErrProtocolVersionMismatch = errors.New("ProtocolVersionMismatch")
	ErrNoScope                 = errors.New("No scope provided and no primary is connected.")
)

// ProtocolVersion is the wire protocol understood by the plugin.
const ProtocolVersion = 1

// Options configures the broker.
type Options struct {
	HeartbeatTTL       time.Duration
	ClaimTTL           time.Duration
	DefaultWaitTimeout time.Duration
	MaxQueue           int
	// Persist is called with the queue snapshot after every mutation.
	// It may be nil.
	Persist func(State)
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Item is one queued transaction.
type Item struct {
	Seq        int64          `json:"seq"`
	Tx         map[string]any `json:"tx"`
	ClaimToken string         `json:"-"`
	Claimed    bool           `json:"-"`
	Scope      scope.Scope    `json:"scope"`
}

// State is the durable queue snapshot. Claim tokens are deliberately not
// part of it: a restart invalidates all outstanding claims.
type State struct {
	Seq   int64  `json:"seq"`
	Queue []Item `json:"queue"`
}

type claim struct {
	ExpiresAt time.Time
	Seq       int64
	TxID      string
	Scope     scope.Scope
}

type primary struct {
	LeaseToken string
	ClientID   string
	Scope      scope.Scope
}

// PrimaryInfo is the externally visible lease state.
type PrimaryInfo struct {
	LeaseToken          *string  `json:"leaseToken"`
	Fence               int64    `json:"fence"`
	PlaceID             *int64   `json:"placeId"`
	StudioSessionID     *string  `json:"studioSessionId"`
	ClientID            *string  `json:"clientId"`
	Alive               bool     `json:"alive"`
	LastHeartbeatAgeSec *float64 `json:"lastHeartbeatAgeSec"`
}

// RegisterResult is the successful /register response body.
type RegisterResult struct {
	LeaseToken string `json:"leaseToken"`
	Fence      int64  `json:"fence"`
	ServerSeq  int64  `json:"serverSeq"`
}

// WaitResult is one claimed transaction handed to the primary.
type WaitResult struct {
	Seq        int64          `json:"seq"`
	Fence      int64          `json:"fence"`
	ClaimToken string         `json:"claimToken"`
	Tx         map[string]any `json:"tx"`
}

// Fault is the injected fault state for tests.
type Fault struct {
	Mode string  `json:"mode"`
	Sec  float64 `json:"sec"`
}

// Broker is safe for concurrent use.
type Broker struct {
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	mu            chan struct{} // held as a semaphore so waiters can drop it
	notify        chan struct{}
	seq           int64
	fence         int64
	queue         []*Item
	claims        map[string]claim
	lastWait      map[scope.Scope]map[string]any
	lastReceipt   map[scope.Scope]map[string]any
	primary       *primary
	lastHeartbeat time.Time
	fault         Fault
}

// New builds an idle broker.
func New(opts Options) *Broker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broker{
		opts:        opts,
		now:         opts.Now,
		log:         log.WithComponent("broker"),
		mu:          make(chan struct{}, 1),
		notify:      make(chan struct{}),
		claims:      map[string]claim{},
		lastWait:    map[scope.Scope]map[string]any{},
		lastReceipt: map[scope.Scope]map[string]any{},
	}
	return b
}

func (b *Broker) lock()   { b.mu <- struct{}{} }
func (b *Broker) unlock() { <-b.mu }

// notifyAll wakes every waiter by closing and replacing the broadcast
// channel. Callers must hold the lock.
func (b *Broker) notifyAll() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) persistLocked() {
	if b.opts.Persist == nil {
		return
	}
	b.opts.Persist(b.stateLocked())
}

func (b *Broker) stateLocked() State {
	items := make([]Item, len(b.queue))
	for i, it := range b.queue {
		items[i] = *it
	}
	return State{Seq: b.seq, Queue: items}
}

// Snapshot returns the durable queue state.
func (b *Broker) Snapshot() State {
	b.lock()
	defer b.unlock()
	return b.stateLocked()
}

// Restore loads a persisted queue snapshot. Fresh claim tokens are minted
// and all items become unclaimed; the sequence never moves backwards.
func (b *Broker) Restore(st State) {
	b.lock()
	defer b.unlock()
	b.queue = b.queue[:0]
	maxSeq := b.seq
	for _, it := range st.Queue {
		item := it
		item.ClaimToken = "CLAIM_" + uuid.NewString()
		item.Claimed = false
		b.queue = append(b.queue, &item)
		if item.Seq > maxSeq {
			maxSeq = item.Seq
		}
	}
	if st.Seq > maxSeq {
		maxSeq = st.Seq
	}
	b.seq = maxSeq
	b.log.Info().Int("pending", len(b.queue)).Int64("seq", b.seq).Msg("queue state restored")
}

func (b *Broker) primaryAliveLocked() bool {
	if b.primary == nil {
		return false
	}
	return b.now().Sub(b.lastHeartbeat) <= b.opts.HeartbeatTTL
}

func (b *Broker) resetPrimaryLocked() {
	b.primary = nil
}

func (b *Broker) clearScopedStateLocked() {
	b.queue = b.queue[:0]
	b.claims = map[string]claim{}
	b.lastWait = map[scope.Scope]map[string]any{}
	b.lastReceipt = map[scope.Scope]map[string]any{}
}

func (b *Broker) cleanupClaimsLocked() {
	now := b.now()
	for token, c := range b.claims {
		if !c.ExpiresAt.After(now) {
			delete(b.claims, token)
		}
	}
}

func (b *Broker) checkLeaseLocked(leaseToken string, fence int64) error {
	if b.primary == nil || leaseToken != b.primary.LeaseToken || fence != b.fence {
		return ErrFenceMismatch
	}
	return nil
}

func (b *Broker) requirePrimaryScopeLocked(s scope.Scope) error {
	if b.primary == nil || s != b.primary.Scope {
		return ErrScopeMismatch
	}
	return nil
}

// Register grants or renews the primary lease. A dead primary is evicted,
// the same session and client reconnects without a fence bump, and takeover
// forces eviction. Any new lease clears the queue and all claims.
func (b *Broker) Register(s scope.Scope, clientID string, takeover bool) (RegisterResult, error) {
	b.lock()
	defer b.unlock()

	if b.primary != nil && !b.primaryAliveLocked() {
		b.log.Warn().
			Int64("placeId", b.primary.Scope.PlaceID).
			Str("studioSessionId", b.primary.Scope.SessionID).
			Msg("primary lease expired, evicting")
		b.resetPrimaryLocked()
		b.clearScopedStateLocked()
		b.persistLocked()
	}

	grant := func() RegisterResult {
		b.clearScopedStateLocked()
		b.fence++
		b.primary = &primary{
			LeaseToken: uuid.NewString(),
			ClientID:   clientID,
			Scope:      s,
		}
		b.lastHeartbeat = b.now()
		b.persistLocked()
		b.log.Info().
			Int64("fence", b.fence).
			Int64("placeId", s.PlaceID).
			Str("studioSessionId", s.SessionID).
			Msg("primary registered")
		return RegisterResult{LeaseToken: b.primary.LeaseToken, Fence: b.fence, ServerSeq: b.seq}
	}

	if b.primary == nil {
		return grant(), nil
	}
	if s.SessionID == b.primary.Scope.SessionID && clientID == b.primary.ClientID {
		b.lastHeartbeat = b.now()
		return RegisterResult{LeaseToken: b.primary.LeaseToken, Fence: b.fence, ServerSeq: b.seq}, nil
	}
	if takeover {
		b.resetPrimaryLocked()
		return grant(), nil
	}
	return RegisterResult{}, ErrPrimaryAlreadyRegistered
}

// Release drops the lease. A nil fence means the current fence.
func (b *Broker) Release(leaseToken string, fence *int64) error {
	b.lock()
	defer b.unlock()

	f := b.fence
	if fence != nil {
		f = *fence
	}
	if b.primary == nil || leaseToken != b.primary.LeaseToken || f != b.fence {
		return ErrFenceMismatch
	}
	b.resetPrimaryLocked()
	b.lastHeartbeat = time.Time{}
	b.persistLocked()
	b.notifyAll()
	b.log.Info().Int64("fence", b.fence).Msg("primary released")
	return nil
}

// Sync validates the lease and returns the server sequence.
func (b *Broker) Sync(leaseToken string, fence int64, s scope.Scope) (int64, error) {
	b.lock()
	defer b.unlock()
	if err := b.checkLeaseLocked(leaseToken, fence); err != nil {
		return 0, err
	}
	if err := b.requirePrimaryScopeLocked(s); err != nil {
		return 0, err
	}
	return b.seq, nil
}

// Heartbeat renews the lease TTL.
func (b *Broker) Heartbeat(leaseToken string, fence int64, s scope.Scope) (int64, error) {
	b.lock()
	defer b.unlock()
	if err := b.checkLeaseLocked(leaseToken, fence); err != nil {
		return 0, err
	}
	if err := b.requirePrimaryScopeLocked(s); err != nil {
		return 0, err
	}
	b.lastHeartbeat = b.now()
	return b.seq, nil
}

// Enqueue appends a transaction to the current primary scope. The tx map
// must carry protocolVersion and should already hold normalized actions.
func (b *Broker) Enqueue(tx map[string]any) (seq int64, pending int, err error) {
	if pv, ok := numberField(tx, "protocolVersion"); !ok || pv != ProtocolVersion {
		return 0, 0, ErrProtocolVersionMismatch
	}

	b.lock()
	defer b.unlock()
	if b.primary == nil {
		return 0, 0, ErrNoPrimary
	}
	return b.enqueueLocked(tx, b.primary.Scope)
}

// EnqueueForScope appends a transaction for a specific scope, which must be
// the active primary scope. The bridge uses this to re-check the scope
// under the queue lock before committing a worker transaction.
func (b *Broker) EnqueueForScope(tx map[string]any, s scope.Scope) (seq int64, pending int, err error) {
	b.lock()
	defer b.unlock()
	if b.primary == nil {
		return 0, 0, ErrNoPrimary
	}
	if err := b.requirePrimaryScopeLocked(s); err != nil {
		return 0, 0, err
	}
	return b.enqueueLocked(tx, s)
}

func (b *Broker) enqueueLocked(tx map[string]any, s scope.Scope) (int64, int, error) {
	if len(b.queue) >= b.opts.MaxQueue {
		return 0, 0, ErrQueueFull
	}
	b.seq++
	item := &Item{
		Seq:        b.seq,
		Tx:         tx,
		ClaimToken: "CLAIM_" + uuid.NewString(),
		Scope:      s,
	}
	b.queue = append(b.queue, item)
	b.persistLocked()
	b.notifyAll()
	return item.Seq, len(b.queue), nil
}

// Wait blocks until a transaction at or past since is available for the
// scope, the timeout passes, or ctx is done. A nil result with nil error
// means timeout (HTTP 204).
func (b *Broker) Wait(ctx context.Context, leaseToken string, fence int64, s scope.Scope, since int64, timeout time.Duration) (*WaitResult, error) {
	if timeout <= 0 {
		timeout = b.opts.DefaultWaitTimeout
	}
	deadline := b.now().Add(timeout)

	b.lock()
	defer b.unlock()

	if b.fault.Mode == "delay_wait" && b.fault.Sec > 0 {
		delay := time.Duration(b.fault.Sec * float64(time.Second))
		b.unlock()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		b.lock()
	}

	if err := b.checkLeaseLocked(leaseToken, fence); err != nil {
		return nil, err
	}
	if err := b.requirePrimaryScopeLocked(s); err != nil {
		return nil, err
	}

	for {
		b.cleanupClaimsLocked()
		if item := b.findNextLocked(s, since); item != nil {
			item.Claimed = true
			b.claims[item.ClaimToken] = claim{
				ExpiresAt: b.now().Add(b.opts.ClaimTTL),
				Seq:       item.Seq,
				TxID:      stringField(item.Tx, "transactionId"),
				Scope:     s,
			}
			b.lastWait[s] = map[string]any{
				"since": since,
				"returned": map[string]any{
					"seq":  item.Seq,
					"txId": item.Tx["transactionId"],
				},
				"queuePending": b.pendingLocked(s),
			}
			return &WaitResult{
				Seq:        item.Seq,
				Fence:      b.fence,
				ClaimToken: item.ClaimToken,
				Tx:         item.Tx,
			}, nil
		}

		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			b.lastWait[s] = map[string]any{
				"since":        since,
				"returned":     nil,
				"queuePending": b.pendingLocked(s),
			}
			return nil, nil
		}

		ch := b.notify
		b.unlock()
		var woken bool
		select {
		case <-ch:
			woken = true
		case <-time.After(remaining):
		case <-ctx.Done():
		}
		b.lock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !woken && deadline.Sub(b.now()) <= 0 {
			b.lastWait[s] = map[string]any{
				"since":        since,
				"returned":     nil,
				"queuePending": b.pendingLocked(s),
			}
			return nil, nil
		}
		// Re-validate after regaining the lock: the lease may have moved.
		if err := b.checkLeaseLocked(leaseToken, fence); err != nil {
			return nil, err
		}
		if err := b.requirePrimaryScopeLocked(s); err != nil {
			return nil, err
		}
	}
}

func (b *Broker) findNextLocked(s scope.Scope, since int64) *Item {
	for _, item := range b.queue {
		if item.Scope == s && item.Seq >= since && !item.Claimed {
			return item
		}
	}
	return nil
}

func (b *Broker) pendingLocked(s scope.Scope) int {
	n := 0
	for _, item := range b.queue {
		if item.Scope == s && !item.Claimed {
			n++
		}
	}
	return n
}

// ReceiptInput carries the primary's apply report for one claimed
// transaction.
type ReceiptInput struct {
	LeaseToken    string
	Fence         *int64
	ClaimToken    string
	TransactionID string
	Applied       []any
	Errors        []any
	Notes         []any
}

// Receipt removes the claimed item from the queue and records the outcome.
// The returned map is the scope's lastReceipt record.
func (b *Broker) Receipt(in ReceiptInput, s scope.Scope) (map[string]any, error) {
	b.lock()
	defer b.unlock()

	f := b.fence
	if in.Fence != nil {
		f = *in.Fence
	}
	if err := b.checkLeaseLocked(in.LeaseToken, f); err != nil {
		return nil, err
	}
	if err := b.requirePrimaryScopeLocked(s); err != nil {
		return nil, err
	}

	b.cleanupClaimsLocked()
	c, ok := b.claims[in.ClaimToken]
	if !ok || c.Scope != s {
		return nil, ErrClaimInvalidOrExpired
	}

	for i, item := range b.queue {
		if item.Scope == s && item.Seq == c.Seq {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	delete(b.claims, in.ClaimToken)
	b.persistLocked()
	b.notifyAll()

	remaining := 0
	for _, item := range b.queue {
		if item.Scope == s {
			remaining++
		}
	}
	receipt := map[string]any{
		"transactionId": in.TransactionID,
		"removedSeq":    c.Seq,
		"remaining":     remaining,
		"appliedCount":  len(in.Applied),
		"errorsCount":   len(in.Errors),
		"notesCount":    len(in.Notes),
		"errorsPreview": previewErrors(in.Errors, 5),
	}
	b.lastReceipt[s] = receipt
	return receipt, nil
}

func previewErrors(errs []any, limit int) []any {
	if len(errs) <= limit {
		out := make([]any, len(errs))
		copy(out, errs)
		return out
	}
	out := make([]any, limit)
	copy(out, errs[:limit])
	return out
}

// ResolveScopeAuto picks an explicit scope when both fields are given and
// falls back to the primary scope otherwise.
func (b *Broker) ResolveScopeAuto(placeID *int64, sessionID *string) (scope.Scope, error) {
	b.lock()
	defer b.unlock()
	return b.resolveScopeAutoLocked(placeID, sessionID)
}

func (b *Broker) resolveScopeAutoLocked(placeID *int64, sessionID *string) (scope.Scope, error) {
	if placeID != nil && sessionID != nil {
		return scope.Scope{PlaceID: *placeID, SessionID: *sessionID}, nil
	}
	if b.primary != nil {
		return b.primary.Scope, nil
	}
	return scope.Scope{}, ErrNoScope
}

// PrimaryScope returns the active primary scope.
func (b *Broker) PrimaryScope() (scope.Scope, bool) {
	b.lock()
	defer b.unlock()
	if b.primary == nil {
		return scope.Scope{}, false
	}
	return b.primary.Scope, true
}

// Primary returns the externally visible lease state.
func (b *Broker) Primary() PrimaryInfo {
	b.lock()
	defer b.unlock()
	return b.primaryInfoLocked()
}

func (b *Broker) primaryInfoLocked() PrimaryInfo {
	info := PrimaryInfo{Fence: b.fence}
	if b.primary == nil {
		return info
	}
	lease := b.primary.LeaseToken
	place := b.primary.Scope.PlaceID
	session := b.primary.Scope.SessionID
	client := b.primary.ClientID
	age := math.Round(b.now().Sub(b.lastHeartbeat).Seconds()*1000) / 1000
	info.LeaseToken = &lease
	info.PlaceID = &place
	info.StudioSessionID = &session
	info.ClientID = &client
	info.Alive = b.primaryAliveLocked()
	info.LastHeartbeatAgeSec = &age
	return info
}

// DebugState reports the queue as seen by one scope.
func (b *Broker) DebugState(s scope.Scope) map[string]any {
	b.lock()
	defer b.unlock()

	var items []Item
	for _, item := range b.queue {
		if item.Scope == s {
			items = append(items, *item)
		}
	}
	if items == nil {
		items = []Item{}
	}
	claims := 0
	for _, c := range b.claims {
		if c.Scope == s {
			claims++
		}
	}
	return map[string]any{
		"primary":      b.primaryInfoLocked(),
		"serverSeq":    b.seq,
		"queuePending": len(items),
		"claims":       claims,
		"queue":        items,
	}
}

// LastWait returns the scope's most recent wait outcome.
func (b *Broker) LastWait(s scope.Scope) map[string]any {
	b.lock()
	defer b.unlock()
	return b.lastWait[s]
}

// LastReceipt returns the scope's most recent receipt record.
func (b *Broker) LastReceipt(s scope.Scope) map[string]any {
	b.lock()
	defer b.unlock()
	return b.lastReceipt[s]
}

// Counters returns global queue counters for status reporting.
func (b *Broker) Counters() (serverSeq int64, pending, claims int) {
	b.lock()
	defer b.unlock()
	return b.seq, len(b.queue), len(b.claims)
}

// ResetDebug clears the queue, sequence and fault state but keeps the
// primary lease.
func (b *Broker) ResetDebug() {
	b.lock()
	defer b.unlock()
	b.seq = 0
	b.clearScopedStateLocked()
	b.fault = Fault{}
	b.persistLocked()
	b.notifyAll()
}

// SetFault arms a fault injection mode.
func (b *Broker) SetFault(f Fault) Fault {
	b.lock()
	defer b.unlock()
	b.fault = f
	return b.fault
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

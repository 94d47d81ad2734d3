package governance

import (
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
)

// Mode selects how the monitor reacts to violations.
type Mode string

const (
	// ModeStrict escalates violations to hard failures that abort the
	// offending call.
	ModeStrict Mode = "strict"
	// ModePermissive records and logs violations but lets calls proceed.
	ModePermissive Mode = "permissive"
)

// Event topics published by the monitor.
const (
	TopicMutationAuthorized = "mutation.authorized"
	TopicMutationViolation  = "mutation.violation"
	TopicInvariantViolation = "transaction.invariant_violation"
)

// Violation types recorded in the audit log.
const (
	ViolationUnauthorizedWrite = "unauthorized_write"
	ViolationMaxMutations      = "invariant_max_mutations"
	ViolationRecalcCount       = "invariant_recalc_count"
)

// defaultRingSize bounds the per-subject authorized-write log.
const defaultRingSize = 32

// OperationBuildApply names the build-application commit operation.
const OperationBuildApply = "build.apply"

// Policy bounds how many mutation and recomputation events are legal within
// one transaction of a given operation.
type Policy struct {
	MaxMutations        int
	ExactDerivedRecalcs int
}

// DefaultPolicies returns the built-in invariant policy table. A build
// application is allowed at most 3 mutation events (root field batch,
// deletion batch, creation batch) and must trigger exactly 1 recomputation.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OperationBuildApply: {MaxMutations: 3, ExactDerivedRecalcs: 1},
	}
}

// AuthorizedEvent records one announced write on the authorized channel.
type AuthorizedEvent struct {
	SubjectRef string
	Type       string
	Source     string
	Timestamp  time.Time
}

// Violation records one detected breach. The log is append-only and never
// pruned automatically; call ClearViolations to reset it.
type Violation struct {
	SubjectRef string
	Type       string
	Caller     string
	Detail     string
	Timestamp  time.Time
}

// MutationRecord is one counted mutation inside a transaction.
type MutationRecord struct {
	Type      string
	Timestamp time.Time
}

// Transaction tallies mutation and recomputation events for one named
// operation between StartTransaction and EndTransaction.
type Transaction struct {
	Operation            string
	Source               string
	StartedAt            time.Time
	MutationCount        int
	RecalcCount          int
	Mutations            []MutationRecord
	BlockNestedMutations bool
}

// Authority is the unforgeable write capability. The monitor issues exactly
// one; mutation entry points require it as an explicit parameter and the
// monitor verifies its identity instead of inspecting call origins.
type Authority struct {
	monitor *Monitor
}

// Monitor is the process-wide mutation governance service.
type Monitor struct {
	mu         sync.Mutex
	mode       Mode
	clock      func() time.Time
	policies   map[string]Policy
	ringSize   int
	publish    func(topic string, payload any)
	authority  *Authority
	active     *Transaction
	violations []Violation
	authorized map[string][]AuthorizedEvent
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMode sets strict or permissive violation handling.
func WithMode(mode Mode) Option {
	return func(m *Monitor) { m.mode = mode }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithPolicies replaces the invariant policy table.
func WithPolicies(policies map[string]Policy) Option {
	return func(m *Monitor) { m.policies = policies }
}

// WithRingSize bounds the per-subject authorized-write log.
func WithRingSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.ringSize = n
		}
	}
}

// WithPublisher sets the fire-and-forget event publisher.
func WithPublisher(publish func(topic string, payload any)) Option {
	return func(m *Monitor) { m.publish = publish }
}

// NewMonitor constructs a governance monitor with the default policy table
// and strict mode.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		mode:       ModeStrict,
		clock:      time.Now,
		policies:   DefaultPolicies(),
		ringSize:   defaultRingSize,
		authorized: make(map[string][]AuthorizedEvent),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueAuthority mints the single write capability. A second call fails:
// exactly one mutation authority may exist per monitor.
func (m *Monitor) IssueAuthority() (*Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authority != nil {
		return nil, apperrors.New(apperrors.CodeAuthorityAlreadyIssued,
			"mutation authority already issued")
	}
	m.authority = &Authority{monitor: m}
	return m.authority, nil
}

// AuthorizeWrite checks a write attempt against the issued authority.
//
// A matching handle records the write on the per-subject authorized channel.
// A nil or foreign handle records a violation; strict mode rejects the write,
// permissive mode logs it and lets the caller proceed.
func (m *Monitor) AuthorizeWrite(auth *Authority, subjectRef, mutationType, source string) error {
	m.mu.Lock()

	if auth != nil && auth == m.authority {
		evt := AuthorizedEvent{
			SubjectRef: subjectRef,
			Type:       mutationType,
			Source:     source,
			Timestamp:  m.clock().UTC(),
		}
		ring := append(m.authorized[subjectRef], evt)
		if len(ring) > m.ringSize {
			ring = ring[len(ring)-m.ringSize:]
		}
		m.authorized[subjectRef] = ring
		publish := m.publish
		m.mu.Unlock()

		if publish != nil {
			publish(TopicMutationAuthorized, evt)
		}
		return nil
	}

	violation := Violation{
		SubjectRef: subjectRef,
		Type:       ViolationUnauthorizedWrite,
		Caller:     source,
		Detail:     fmt.Sprintf("write %q attempted without the issued mutation authority", mutationType),
		Timestamp:  m.clock().UTC(),
	}
	m.violations = append(m.violations, violation)
	mode := m.mode
	publish := m.publish
	m.mu.Unlock()

	if publish != nil {
		publish(TopicMutationViolation, violation)
	}
	if mode == ModeStrict {
		return apperrors.WithMetadata(apperrors.CodeMutationUnauthorized,
			"entity writes must route through the commit applier authority",
			map[string]string{"subject": subjectRef, "type": mutationType, "caller": source})
	}
	log.Printf("governance: permissive mode allowed unauthorized write %s on %s from %s",
		mutationType, subjectRef, source)
	return nil
}

// StartTransaction opens a named transaction. When a transaction that blocks
// nested mutations is already active, it fails naming the in-progress
// operation.
func (m *Monitor) StartTransaction(operation, source string, blockNestedMutations bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.BlockNestedMutations {
		return apperrors.WithMetadata(apperrors.CodeTransactionActive,
			fmt.Sprintf("transaction %q already in progress", m.active.Operation),
			map[string]string{"active_operation": m.active.Operation, "requested_operation": operation})
	}
	m.active = &Transaction{
		Operation:            operation,
		Source:               source,
		StartedAt:            m.clock().UTC(),
		BlockNestedMutations: blockNestedMutations,
	}
	return nil
}

// RecordMutation counts one mutation event on the active transaction.
// It is intentionally tolerant: with no active transaction it is a no-op so
// call sites need not check activity first.
func (m *Monitor) RecordMutation(mutationType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.active.MutationCount++
	m.active.Mutations = append(m.active.Mutations, MutationRecord{
		Type:      mutationType,
		Timestamp: m.clock().UTC(),
	})
}

// RecordDerivedRecalc counts one downstream recomputation on the active
// transaction. No-op without an active transaction.
func (m *Monitor) RecordDerivedRecalc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.active.RecalcCount++
}

// EndTransaction validates the active transaction against its operation's
// invariant policy and discards the record. Strict mode returns an error on
// breach; permissive mode logs a structured warning and continues. The
// monitor keeps no history of past transactions beyond the violation log.
func (m *Monitor) EndTransaction() error {
	m.mu.Lock()
	tx := m.active
	m.active = nil
	if tx == nil {
		m.mu.Unlock()
		return nil
	}

	policy, hasPolicy := m.policies[tx.Operation]
	var breach *Violation
	if hasPolicy {
		switch {
		case tx.MutationCount > policy.MaxMutations:
			breach = &Violation{
				Type:      ViolationMaxMutations,
				Caller:    tx.Source,
				Detail:    fmt.Sprintf("operation %q recorded %d mutations, policy allows %d", tx.Operation, tx.MutationCount, policy.MaxMutations),
				Timestamp: m.clock().UTC(),
			}
		case tx.RecalcCount != policy.ExactDerivedRecalcs:
			breach = &Violation{
				Type:      ViolationRecalcCount,
				Caller:    tx.Source,
				Detail:    fmt.Sprintf("operation %q triggered %d recomputations, policy requires exactly %d", tx.Operation, tx.RecalcCount, policy.ExactDerivedRecalcs),
				Timestamp: m.clock().UTC(),
			}
		}
	}
	if breach == nil {
		m.mu.Unlock()
		return nil
	}

	m.violations = append(m.violations, *breach)
	mode := m.mode
	publish := m.publish
	m.mu.Unlock()

	if publish != nil {
		publish(TopicInvariantViolation, *breach)
	}
	if mode == ModeStrict {
		return apperrors.WithMetadata(apperrors.CodeTransactionInvariant, breach.Detail,
			map[string]string{"operation": tx.Operation, "violation": breach.Type})
	}
	log.Printf("governance: invariant violation tolerated in permissive mode: %s", breach.Detail)
	return nil
}

// AbortTransaction discards the active transaction without invariant
// validation. The applier calls it when a batch fails partway: a commit that
// never reached its recomputation is a reported failure, not a policy breach.
func (m *Monitor) AbortTransaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
}

// ActiveOperation reports the operation name of the active transaction.
func (m *Monitor) ActiveOperation() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.Operation, true
}

// Violations returns a copy of the violation log.
func (m *Monitor) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// ClearViolations empties the violation log. Nothing prunes it otherwise.
func (m *Monitor) ClearViolations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = nil
}

// AuthorizedLog returns a copy of the bounded authorized-write log for one
// subject.
func (m *Monitor) AuthorizedLog(subjectRef string) []AuthorizedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.authorized[subjectRef]
	out := make([]AuthorizedEvent, len(ring))
	copy(out, ring)
	return out
}

package rbacgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the authorization collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	CacheRequests  *prometheus.CounterVec
	LookupFailures *prometheus.CounterVec
	GateRejections *prometheus.CounterVec
	AuditDropped   prometheus.Counter
	EvalDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_decisions_total",
			Help: "Authorization decisions by result.",
		}, []string{"result"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_cache_requests_total",
			Help: "Permission cache lookups by result.",
		}, []string{"result"}),
		LookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_lookup_failures_total",
			Help: "Collaborator lookups that failed during a check.",
		}, []string{"lookup"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_gate_rejections_total",
			Help: "Gated invocations rejected before reaching the operation.",
		}, []string{"kind"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rbac_audit_dropped_total",
			Help: "Audit records dropped because the dispatch buffer was full.",
		}),
		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rbac_evaluation_duration_seconds",
			Help:    "Time spent evaluating uncached decisions.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
	}
	var err error
	if m.Decisions, err = register(reg, m.Decisions); err != nil {
		return nil, err
	}
	if m.CacheRequests, err = register(reg, m.CacheRequests); err != nil {
		return nil, err
	}
	if m.LookupFailures, err = register(reg, m.LookupFailures); err != nil {
		return nil, err
	}
	if m.GateRejections, err = register(reg, m.GateRejections); err != nil {
		return nil, err
	}
	if m.AuditDropped, err = register(reg, m.AuditDropped); err != nil {
		return nil, err
	}
	if m.EvalDuration, err = register(reg, m.EvalDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return c, err
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return c, fmt.Errorf("rbac metrics: unexpected collector type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

func (m *Metrics) decision(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.Decisions.WithLabelValues("allow").Inc()
	} else {
		m.Decisions.WithLabelValues("deny").Inc()
	}
}

func (m *Metrics) decisionError() {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues("error").Inc()
}

func (m *Metrics) cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
	} else {
		m.CacheRequests.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) lookupFailed(lookup string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(lookup).Inc()
}

func (m *Metrics) rejected(kind string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) auditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func (m *Metrics) observeEval(d time.Duration) {
	if m == nil {
		return
	}
	m.EvalDuration.Observe(d.Seconds())
}

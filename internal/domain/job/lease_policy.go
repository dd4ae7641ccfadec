package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// MaxLease caps any lease a worker may request.
const MaxLease = time.Hour

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	LeaseSourceExplicit LeaseSource = "explicit"
	LeaseSourceDefault  LeaseSource = "default"
	// LeaseSourceClamped means the request fell outside [1s, MaxLease].
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises the processing leases granted at reservation and heartbeat.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if defaultLease > MaxLease {
		defaultLease = MaxLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// HeartbeatInterval is how often a worker holding a default lease should renew it.
func (p *LeasePolicy) HeartbeatInterval() time.Duration {
	d := p.Default() / 3
	if d < time.Second {
		return time.Second
	}
	return d
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// Duration returns the resolved lease.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool { return d.Source == LeaseSourceDefault }

// Clamped reports whether the request was pulled into range.
func (d LeaseDecision) Clamped() bool { return d.Source == LeaseSourceClamped }

// Resolve normalises request to whole seconds in [1s, MaxLease]. Zero selects the default.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	switch {
	case request == 0:
		decision.Seconds = int(p.defaultLease / time.Second)
		decision.Source = LeaseSourceDefault
		if decision.Seconds < 1 {
			decision.Seconds = 1
		}
	case request < time.Second:
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
	case request > MaxLease:
		decision.Seconds = int(MaxLease / time.Second)
		decision.Source = LeaseSourceClamped
	default:
		decision.Seconds = int(request / time.Second)
		decision.Source = LeaseSourceExplicit
	}
	return decision
}

// Package security names the account and session events the auth service
// audits and raises alerts when one of them fails in bursts.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is an audited action.
type Event string

const (
	EventSignup         Event = "account.signup"
	EventPasswordChange Event = "account.password"
	EventAvatarUpload   Event = "profile.avatar"

	EventLoginUsername Event = "session.login.username"
	EventLoginEmail    Event = "session.login.email"
	EventRefresh       Event = "session.refresh"
	EventLogout        Event = "session.logout"
	EventAuthorize     Event = "session.authorize"

	EventAdminAuthorize Event = "admin.authorize"
	EventAdminUserPatch Event = "admin.user.patch"
)

// LoginEvent reports which identifier a login attempt used. Username wins
// when both are sent, matching how the account is looked up.
func LoginEvent(username, email string) Event {
	if strings.TrimSpace(username) == "" && strings.TrimSpace(email) != "" {
		return EventLoginEmail
	}
	return EventLoginUsername
}

// Outcome is how an audited action ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFail        Outcome = "fail"
	OutcomeRateLimited Outcome = "rate_limited"
)

// scope picks what a burst is counted against.
type scope string

const (
	perIP      scope = "ip"
	perSubject scope = "subject"
)

type rule struct {
	threshold int64
	window    time.Duration
	scope     scope
}

// failureRules are keyed by event. Credential guessing is tracked per
// account identifier so a spread-out attack on one reader still alerts.
var failureRules = map[Event]rule{
	EventSignup:         {threshold: 10, window: 5 * time.Minute, scope: perIP},
	EventLoginUsername:  {threshold: 5, window: 15 * time.Minute, scope: perSubject},
	EventLoginEmail:     {threshold: 5, window: 15 * time.Minute, scope: perSubject},
	EventRefresh:        {threshold: 15, window: 5 * time.Minute, scope: perIP},
	EventLogout:         {threshold: 15, window: 5 * time.Minute, scope: perIP},
	EventAuthorize:      {threshold: 25, window: 5 * time.Minute, scope: perIP},
	EventPasswordChange: {threshold: 5, window: 15 * time.Minute, scope: perSubject},
	EventAvatarUpload:   {threshold: 20, window: 10 * time.Minute, scope: perSubject},
	EventAdminAuthorize: {threshold: 3, window: 10 * time.Minute, scope: perSubject},
	EventAdminUserPatch: {threshold: 10, window: 10 * time.Minute, scope: perSubject},
}

var rateLimitedRule = rule{threshold: 20, window: time.Minute, scope: perIP}

func ruleFor(ev Event, outcome Outcome) (rule, bool) {
	switch outcome {
	case OutcomeRateLimited:
		return rateLimitedRule, true
	case OutcomeFail:
		r, ok := failureRules[ev]
		return r, ok
	default:
		return rule{}, false
	}
}

// Observation is one audited action.
type Observation struct {
	Event   Event
	Outcome Outcome
	IP      string
	// Subject is the account identifier or user id the action targeted.
	// Subject-scoped rules fall back to IP when it is empty.
	Subject string
}

// AlertResult is the outcome of one Observe call.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
	// CountedBy is "ip" or "subject".
	CountedBy string
}

// AuditAlerter keeps fixed-window failure counters in Redis. A nil
// *AuditAlerter observes nothing.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewAuditAlerter returns nil when client is nil so the service runs without Redis.
func NewAuditAlerter(client *redis.Client, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookclub:auth:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}
}

// Observe counts o against its rule and reports whether the threshold was reached.
func (a *AuditAlerter) Observe(ctx context.Context, o Observation) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	r, ok := ruleFor(o.Event, o.Outcome)
	if !ok {
		return AlertResult{}, nil
	}
	countedBy, value := perIP, o.IP
	if r.scope == perSubject && strings.TrimSpace(o.Subject) != "" {
		countedBy, value = perSubject, strings.ToLower(o.Subject)
	}
	slot := a.now().UTC().UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%s:%s:%s:%d", a.prefix, o.Event, o.Outcome, countedBy, keySafe(value), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.PExpire(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return AlertResult{}, fmt.Errorf("count %s: %w", o.Event, err)
	}
	return AlertResult{
		Triggered: incr.Val() >= r.threshold,
		Count:     incr.Val(),
		Threshold: r.threshold,
		Window:    r.window,
		CountedBy: string(countedBy),
	}, nil
}

func keySafe(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '|', '*':
			return '_'
		}
		return r
	}, v)
}

// Package routing decides which credential an outbound call should use, or
// whether the work must be deferred until a quota window resets. Decisions are
// pure functions over usage snapshots so the policy is testable without I/O.
package routing

import (
	"sort"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/ratelimit"
)

// Policy holds the routing thresholds.
type Policy struct {
	SoftThreshold float64
	HardThreshold float64
	// PoolAccounts lists the account refs eligible to borrow pool credentials.
	PoolAccounts []string
}

// Request describes the call being routed.
type Request struct {
	AccountRef  string
	OwnerUserID string
}

// Decision is the routing outcome. When Proceed is false, RequeueAfter carries
// the earliest window reset among the credentials that were considered.
type Decision struct {
	CredentialID string
	Proceed      bool
	RequeueAfter time.Time
}

// Route picks a credential for the request given the current usage snapshots.
// Policy: eligible accounts prefer pool credentials load-balanced by remaining
// quota (descending), rotating off any candidate past the soft threshold when a
// less-loaded alternate exists; otherwise the caller's own credential. If every
// eligible credential is past the hard threshold the work is deferred.
func Route(req Request, snaps []ratelimit.Snapshot, p Policy) Decision {
	soft := p.SoftThreshold
	if soft <= 0 {
		soft = 0.8
	}
	hard := p.HardThreshold
	if hard <= 0 {
		hard = 0.95
	}

	var candidates []ratelimit.Snapshot
	if p.accountEligible(req.AccountRef) {
		for _, s := range snaps {
			if s.Pool && s.Active {
				candidates = append(candidates, s)
			}
		}
	}
	for _, s := range snaps {
		if !s.Pool && s.Active && s.OwnerUserID == req.OwnerUserID {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 {
		return Decision{Proceed: false}
	}

	// Most remaining quota first; pool credentials were appended first so the
	// sort being stable keeps them ahead of the owner credential on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Remaining() > candidates[j].Remaining()
	})

	var earliestReset time.Time
	for _, c := range candidates {
		if c.Ratio() >= hard {
			if earliestReset.IsZero() || (!c.ResetAt.IsZero() && c.ResetAt.Before(earliestReset)) {
				earliestReset = c.ResetAt
			}
			continue
		}
		if c.Ratio() >= soft {
			// Saturated but not exhausted: only used if nothing better exists,
			// which the descending sort already guarantees we check last.
			continue
		}
		return Decision{CredentialID: c.CredentialID, Proceed: true}
	}

	// No candidate under the soft threshold; fall back to the least-loaded one
	// that is not exhausted.
	for _, c := range candidates {
		if c.Ratio() < hard {
			return Decision{CredentialID: c.CredentialID, Proceed: true}
		}
	}

	return Decision{Proceed: false, RequeueAfter: earliestReset}
}

func (p Policy) accountEligible(accountRef string) bool {
	for _, a := range p.PoolAccounts {
		if a == accountRef {
			return true
		}
	}
	return false
}

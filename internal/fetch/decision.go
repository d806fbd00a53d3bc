package fetch

import "github.com/JakeFAU/crawl-scheduler/internal/crawler"

// freshness is the cache state a policy decision is keyed on.
type freshness string

const (
	fresh  freshness = "fresh"
	stale  freshness = "stale"
	absent freshness = "absent"
	// unchecked rows skip the up-front cache lookup entirely.
	unchecked freshness = "unchecked"
)

// step is one action the executor can take.
type step string

const (
	stepNone        step = ""
	stepServeCache  step = "serve-cache"
	stepNetwork     step = "network"
	stepServeAny    step = "serve-any-cache"
	stepFailNoCache step = "fail-no-cache-entry"
)

// plan is a primary action plus what to do if a network primary fails. With no
// fallback, or nothing cached to fall back to, the network failure stands.
type plan struct {
	primary  step
	fallback step
}

// decisionTable is policy x freshness -> plan. Adding a policy means adding a row.
var decisionTable = map[crawler.FetchPolicy]map[freshness]plan{
	crawler.PolicyCachePreferred: {
		fresh:  {primary: stepServeCache},
		stale:  {primary: stepNetwork, fallback: stepServeAny},
		absent: {primary: stepNetwork},
	},
	crawler.PolicyNetworkFirst: {
		unchecked: {primary: stepNetwork, fallback: stepServeAny},
	},
	crawler.PolicyCacheOnly: {
		fresh:  {primary: stepServeCache},
		stale:  {primary: stepFailNoCache},
		absent: {primary: stepFailNoCache},
	},
}

// lookupPlan returns the row for policy and whether the cache must be read first.
func lookupPlan(policy crawler.FetchPolicy) (map[freshness]plan, bool, bool) {
	row, ok := decisionTable[policy]
	if !ok {
		return nil, false, false
	}
	_, lazy := row[unchecked]
	return row, !lazy, true
}

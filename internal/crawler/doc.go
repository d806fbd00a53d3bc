// Package crawler holds the vocabulary shared by the scheduling subsystems: the
// Request unit of work, fetch policies, outcomes and their failure taxonomy, and
// the collaborator contracts (Cache, NetworkFetcher, Scorer) the scheduler
// depends on without owning.
package crawler

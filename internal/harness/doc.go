// Package harness runs multi-site sync scenarios against real stores.
//
// A scenario names a set of sites, a conflict resolver and a list of steps.
// Each site is an in-memory SQLite store with its own change ledger; steps
// create, update and delete entities at one site or sync two sites. After
// the steps run, assertions check the final state of each site.
//
// # Scenario Format
//
//	name: two_site_sync
//	description: "Edits made on either site reach the other"
//	sites: [laptop, desktop]
//	resolver: last-write-wins
//	steps:
//	  - site: laptop
//	    create: { type: feature, title: Login, data: { owner: ana } }
//	  - sync: [laptop, desktop]
//	    expect: { sent: 1, received: 0 }
//	  - site: desktop
//	    update: { id: feature-login, status: in_progress }
//	  - site: laptop
//	    update: { id: feature-login, version: 1, status: blocked }
//	    expect: { error: VERSION_CONFLICT }
//	assertions:
//	  - type: entity
//	    site: laptop
//	    id: feature-login
//	    status: in_progress
//	    version: 2
//	  - type: converged
//	    sites: [laptop, desktop]
//
// # Assertion Types
//
//   - entity: the entity exists at site and matches status, version and data (subset)
//   - absent: the entity does not exist at site
//   - count: site holds exactly count entities
//   - converged: every listed site holds the same entities with equal payloads
//   - pending: the deferred conflict queue holds exactly count conflicts
//
// # Deterministic Testing
//
// All sites share one test clock and every ledger uses sequential change
// ids, so a scenario produces the same trace and final state on every run.
// RunWithGolden compares both against testdata/golden/<name>.golden.
package harness

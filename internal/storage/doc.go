// Package storage is the shared persistent store for scheduled actions,
// accounts, devices, agents and outcome events.
//
// All lease mutations (action leases, device leases) are single-statement
// conditional updates so multiple engine instances can share one database
// without double-executing work.
package storage

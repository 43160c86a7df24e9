// Package migration implements the data portability pipeline: packaged
// exports and imports with rollback snapshots, direct instance-to-
// instance transfers with bandwidth throttling and checkpoints, cron
// schedules, and the audit trail covering all of it. Packages are JSON,
// compressed with gzip or bzip2, and optionally sealed with AES-256-GCM.
package migration

// SystemVersion stamps exported packages with the producing release
const SystemVersion = "0.9.0"

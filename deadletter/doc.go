// Package deadletter holds items that exhausted their retry budget or
// failed permanently, and the analyzer that triages them.
//
// Every item reaching the dead-letter lane becomes an [Entry] kept for
// operator inspection, replay and deletion through [Service]. The
// [Analyzer] then:
//
//   - classifies the failure reason as TRANSIENT, CONFIGURATION or
//     PERMANENT by keyword;
//   - feeds an injected [Aggregator] with the observation and raises a
//     recurring-pattern alert when one reason dominates a
//     (tenant, operation) window, and a tenant-health alert when a
//     tenant's dead-letter count crosses a threshold;
//   - re-injects transient (30m) and configuration (2h) failures with a
//     fresh attempt budget, at most MaxRecoveries times per item.
//
// The analyzer is advisory. Alerts are side-channel notifications and it
// never drops or blocks messages outside the recovery path.
package deadletter

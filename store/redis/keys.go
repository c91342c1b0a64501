package redis

// Redis key naming conventions for fiscal data.
// All keys are prefixed with "fiscal:" to avoid collisions.

const keyPrefix = "fiscal:"

// ── Document keys ──

// docKey returns the Hash key of a document: fiscal:doc:{accessKey}
func docKey(accessKey string) string { return keyPrefix + "doc:" + accessKey }

// statusPrefix is the prefix of the per-status Sorted Sets. The scripts
// append the status name.
const statusPrefix = keyPrefix + "doc_status:"

// statusKey returns the Sorted Set of documents in a status, scored by
// update time: fiscal:doc_status:{status}
func statusKey(status string) string { return statusPrefix + status }

// voidKey returns the key of a void range: fiscal:void:{key}
func voidKey(key string) string { return keyPrefix + "void:" + key }

// ── Dead-letter keys ──

// dlqKey returns the key for a dead-letter entry: fiscal:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all dead-letter entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"

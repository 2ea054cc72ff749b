// Package compaction bounds a growing conversation to its model's context
// window while preserving retrievable knowledge.
//
// # Protocols
//
// Two protocols are supported:
//
//   - Three-tier (ProtocolThreeTier): the newest Tier1VerbatimCount messages
//     stay untouched, older messages within the age cutoff are compressed
//     into a five-section summary, and messages past the cutoff are reduced
//     to extracted memories. This is the default.
//
//   - Legacy (ProtocolLegacy): a single split point found by walking
//     backward from the newest message until the target context size is
//     exceeded; everything before the split is summarized. The legacy
//     protocol doubles as the degraded fallback when a three-tier run fails.
//
// # Triggering
//
// ThresholdForModel derives the compaction trigger from a model's context
// window minus fixed reserved budgets, scaled by 0.75. A conversation needs
// compaction when its running token estimate exceeds the trigger. Token
// estimates are approximate: ceil(len/4) per text plus a fixed per-message
// overhead.
//
// # Safety
//
// Runs on the same conversation are serialized with a per-conversation
// advisory lock. Within each tier, extracted memories and summaries are
// persisted before the source messages are marked compacted, so a crash
// mid-run re-processes messages instead of losing them. Compact never
// returns an error: it reports a Result whose Success and Allowed fields
// the caller must check. Messages are never physically deleted; marking
// is_compacted removes them from every future read.
package compaction

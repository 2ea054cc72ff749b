// Package memorypg provides tiered conversation compaction and long-term
// memory for AI sales assistants backed by PostgreSQL.
//
// MemoryPG is opinionated (Anthropic + PostgreSQL + pgx): it keeps one
// growing conversation per user inside a fixed model context window by
// compacting old messages into summaries and durable memories, and recalls
// the memories relevant to whatever the user is talking about now.
//
// # Key Features
//
//   - Running token estimates with model-aware compaction triggering
//   - Three-tier compaction: verbatim tail, summarized middle, facts-only old messages
//   - Legacy single split-point protocol as the degraded fallback
//   - Memory extraction with confidence filtering and CRM entity linking
//   - Keyword relevance recall with recency and frequency boosts
//   - Per-user budget gating with a TTL cache, failing open
//   - Hooks for observability and a background reconciliation sweeper
//
// # Quick Start
//
// Create a client with required configuration:
//
//	pool, _ := pgxpool.New(ctx, connString)
//	anthropicClient := anthropic.NewClient()
//	client, err := memorypg.New(pool, memorypg.Config{
//	    Anthropic: &anthropicClient,
//	    Model:     "claude-haiku-4-5",
//	},
//	    memorypg.WithEntityLookup(storage.NewPgEntityLookup(pool, storage.DefaultEntityTables())),
//	)
//
// Append messages; compaction schedules itself when the conversation's
// token estimate crosses the model-derived threshold:
//
//	conv, _ := client.EnsureConversation(ctx, userID)
//	client.AppendMessage(ctx, conv.ID, types.RoleUser, "ACME wants the Q3 pricing deck", nil)
//
// Recall memories relevant to the current exchange:
//
//	result := client.Recall(ctx, userID, "what did ACME say about pricing?", recall.Options{})
//	for _, scored := range result.Memories {
//	    fmt.Println(scored.Memory.Subject, scored.Score)
//	}
//
// # Compaction
//
// A compaction run partitions the non-compacted history into three tiers:
// the newest messages stay verbatim, the middle window is summarized, and
// anything older than the age cutoff is reduced to extracted facts. The
// protocol persists summaries and memories before marking messages
// compacted, so an interruption re-processes rather than loses data.
// Messages are never physically deleted.
//
// Manual control:
//
//	result := client.Compact(ctx, conv.ID)
//	if !result.Success {
//	    log.Printf("compaction failed: %s", result.Err)
//	}
//
// # Budget Gating
//
// Summarization and extraction cost money. Attach a gate and every paid
// call is checked against the user's credits, with decisions cached:
//
//	client, _ := memorypg.New(pool, cfg,
//	    memorypg.WithBudgetGate(billingGate),
//	    memorypg.WithGateTTL(time.Minute),
//	)
//
// A denied gate soft-blocks compaction; an unreachable gate fails open.
package memorypg

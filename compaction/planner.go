package compaction

import (
	"time"

	"github.com/sellscope/memorypg/types"
)

// TierPartition categorizes a conversation's non-compacted messages into
// the three retention tiers. The tiers are a strict, non-overlapping cover
// of the input, and Verbatim is always the chronological suffix.
type TierPartition struct {
	// Verbatim messages are the newest Tier1VerbatimCount, untouched.
	Verbatim []*types.Message

	// Summarize messages are older than the verbatim tail but within the
	// age cutoff; they are compressed into a summary.
	Summarize []*types.Message

	// FactsOnly messages are older than the age cutoff; they are reduced
	// to extracted memories.
	FactsOnly []*types.Message
}

// IsNoop reports whether there is nothing to compact.
func (p *TierPartition) IsNoop() bool {
	return len(p.Summarize) == 0 && len(p.FactsOnly) == 0
}

// FindSplitPoint implements the legacy single split-point policy: walking
// backward from the newest message and accumulating token estimates, the
// index where the accumulated sum first exceeds targetTokens becomes the
// split point. Everything before the split is summarized; everything at or
// after it is kept.
//
// The minimum-keep guard takes precedence: with minRecent or fewer messages
// in total nothing is split, and the split never leaves fewer than
// minRecent messages kept.
func FindSplitPoint(messages []*types.Message, targetTokens, minRecent int) int {
	if len(messages) <= minRecent {
		return 0
	}

	split := 0
	accumulated := 0
	for i := len(messages) - 1; i >= 0; i-- {
		accumulated += EstimateMessage(messages[i])
		if accumulated > targetTokens {
			split = i
			break
		}
	}

	if maxSplit := len(messages) - minRecent; split > maxSplit {
		split = maxSplit
	}
	return split
}

// PartitionTiers assigns messages to the three retention tiers: the newest
// verbatimCount messages are peeled off as the verbatim tail, then the
// remainder is bisected by the age cutoff.
func PartitionTiers(messages []*types.Message, verbatimCount int, ageCutoff time.Time) *TierPartition {
	partition := &TierPartition{}

	if len(messages) == 0 {
		return partition
	}

	tail := len(messages) - verbatimCount
	if tail < 0 {
		tail = 0
	}
	partition.Verbatim = messages[tail:]

	for _, msg := range messages[:tail] {
		if msg.CreatedAt.Before(ageCutoff) {
			partition.FactsOnly = append(partition.FactsOnly, msg)
		} else {
			partition.Summarize = append(partition.Summarize, msg)
		}
	}

	return partition
}

// Package router implements the inbox routing and duplicate-suppression
// logic of spec §4.4: classifying inbound integration events into a task or
// an inbox message, and detecting duplicates before task creation.
package router

import (
	"regexp"
	"strings"
)

var nonWordRun = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// wordSet lowercases s, replaces punctuation runs with whitespace, and
// returns the set of non-empty tokens (spec §4.4, Jaccard step).
func wordSet(s string) map[string]struct{} {
	cleaned := nonWordRun.ReplaceAllString(strings.ToLower(s), " ")
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(cleaned) {
		set[tok] = struct{}{}
	}
	return set
}

// JaccardSimilarity computes word-set Jaccard similarity between two
// descriptions, with the tie-breaks spec §4.4 specifies: both empty -> 1.0,
// one empty -> 0.0.
func JaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

const (
	// HighSimilarityThreshold triggers a duplicate regardless of owner (spec §4.4 step 2).
	HighSimilarityThreshold = 0.80
	// SameAgentSimilarityThreshold triggers a duplicate only when the
	// candidate's owner matches the event's target agent (spec §4.4 step 3).
	SameAgentSimilarityThreshold = 0.60
)

// DedupCandidate is the narrow view of a recent task the dedup check needs.
type DedupCandidate struct {
	TaskID          string
	Description     string
	OwnerAgentID    string
	ThreadKey       string // derived from (slackChannelId, slackThreadTs) or equivalent
}

// DedupMatch describes why an event was judged a duplicate of an existing task.
type DedupMatch struct {
	TaskID string
	Reason string
}

// FindDuplicate evaluates candidates in order and returns the first match,
// per the three-step rule in spec §4.4. targetAgentID may be empty if the
// event does not pin to a specific agent.
func FindDuplicate(eventThreadKey, eventDescription, targetAgentID string, candidates []DedupCandidate) *DedupMatch {
	for _, c := range candidates {
		if eventThreadKey != "" && c.ThreadKey != "" && eventThreadKey == c.ThreadKey {
			return &DedupMatch{TaskID: c.TaskID, Reason: "same thread"}
		}
	}
	for _, c := range candidates {
		if JaccardSimilarity(eventDescription, c.Description) > HighSimilarityThreshold {
			return &DedupMatch{TaskID: c.TaskID, Reason: "high similarity"}
		}
	}
	if targetAgentID != "" {
		for _, c := range candidates {
			if c.OwnerAgentID == targetAgentID && JaccardSimilarity(eventDescription, c.Description) > SameAgentSimilarityThreshold {
				return &DedupMatch{TaskID: c.TaskID, Reason: "same-agent similarity"}
			}
		}
	}
	return nil
}

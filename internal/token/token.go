// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package token provides approximate token counting for budget decisions.
//
// The estimates here feed the context assembler, not billing: they only
// need to be deterministic and roughly proportional to what the server
// will count. The ~4 characters per token ratio matches what most
// OpenAI-compatible tokenizers produce for English prose and code.
package token

// CharsPerToken is the approximation ratio used throughout the app.
const CharsPerToken = 4

// Estimate returns an approximate token count for text.
// Deterministic, total over its domain: empty text estimates to zero,
// and any non-empty text estimates to at least one token.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll sums the estimates for several pieces of text.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}

// MaxContentLen returns the largest content length in bytes whose
// estimate still fits within the given token budget. Used when
// truncating attachment content to a remaining budget.
func MaxContentLen(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * CharsPerToken
}

// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package routing

import "strings"

const (
	wordSeparator = "."
	matchOne      = "*"
	matchMany     = "#"
)

// MatchTopic reports whether a topic binding pattern accepts key. Both are
// split on "."; "*" matches exactly one word and "#" matches zero or more.
// An empty string has zero words.
func MatchTopic(pattern, key string) bool {
	return matchWords(words(pattern), words(key))
}

func words(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Split(s, wordSeparator)
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case matchMany:
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == matchMany {
				rest = rest[1:]
			}

			if len(rest) == 0 {
				return true
			}

			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}

			return false
		case matchOne:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}

		pattern, key = pattern[1:], key[1:]
	}

	return len(key) == 0
}

// Package reveal produces the partial strings shown while a reply is
// "typed" out. The sequences are display-only; stored messages always hold
// the full text.
package reveal

import (
	"iter"
	"unicode"
	"unicode/utf8"
)

// Words yields text cut after each word, keeping the original spacing
// between words. The final value is text itself.
func Words(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		inWord := false
		for i, r := range text {
			space := unicode.IsSpace(r)
			if inWord && space {
				if !yield(text[:i]) {
					return
				}
			}
			inWord = !space
		}
		if text != "" {
			yield(text)
		}
	}
}

// Runes yields text cut after each character.
func Runes(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for i, r := range text {
			if !yield(text[:i+utf8.RuneLen(r)]) {
				return
			}
		}
	}
}

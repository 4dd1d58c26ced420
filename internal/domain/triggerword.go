package domain

import (
	"math/rand/v2"
	"unicode"
)

// Shuffler supplies the randomness for trigger word generation.
type Shuffler interface {
	IntN(n int) int
}

type globalShuffler struct{}

func (globalShuffler) IntN(n int) int { return rand.IntN(n) }

// GenerateTriggerWord uppercases modelName, drops all whitespace and
// returns a uniformly shuffled permutation of the remaining runes.
func GenerateTriggerWord(modelName string, shuffler Shuffler) string {
	if shuffler == nil {
		shuffler = globalShuffler{}
	}
	runes := make([]rune, 0, len(modelName))
	for _, r := range modelName {
		if unicode.IsSpace(r) {
			continue
		}
		runes = append(runes, unicode.ToUpper(r))
	}
	for i := len(runes) - 1; i > 0; i-- {
		j := shuffler.IntN(i + 1)
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}


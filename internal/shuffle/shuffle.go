// Package shuffle builds four-way multiple-choice layouts with a tracked
// correct letter.
package shuffle

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Letters are the choice labels in presentation order.
var Letters = [4]string{"A", "B", "C", "D"}

// Choice is one labelled answer.
type Choice struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
}

// Layout is a shuffled set of choices sorted by letter.
type Layout struct {
	Choices [4]Choice `json:"choices"`
	Correct string    `json:"correct"`
}

// Text returns the answer text shown under letter.
func (l Layout) Text(letter string) (string, bool) {
	for _, c := range l.Choices {
		if c.Letter == letter {
			return c.Text, true
		}
	}
	return "", false
}

// Render returns the "LETTER. text" lines joined by newlines.
func (l Layout) Render() string {
	var sb strings.Builder
	for i, c := range l.Choices {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(c.Letter + ". " + c.Text)
	}
	return sb.String()
}

// Shuffler draws layouts from an injectable random source. It is safe for
// concurrent use.
type Shuffler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Shuffler backed by src.
func New(src rand.Source) *Shuffler {
	return &Shuffler{rng: rand.New(src)}
}

// NewSeeded returns a Shuffler whose sequence of layouts is reproducible.
func NewSeeded(seed uint64) *Shuffler {
	return New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewRandom returns a Shuffler seeded from the runtime's entropy.
func NewRandom() *Shuffler {
	return New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Shuffle places correct under a uniformly random letter and gives each
// distractor one of the remaining letters in the order supplied.
func (s *Shuffler) Shuffle(correct string, distractors [3]string) Layout {
	s.mu.Lock()
	idx := s.rng.IntN(len(Letters))
	s.mu.Unlock()

	var l Layout
	l.Correct = Letters[idx]
	next := 0
	for i, letter := range Letters {
		l.Choices[i].Letter = letter
		if i == idx {
			l.Choices[i].Text = correct
			continue
		}
		l.Choices[i].Text = distractors[next]
		next++
	}
	return l
}

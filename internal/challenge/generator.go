// Package challenge produces the arithmetic puzzles new members must solve
// and evaluates their replies.
package challenge

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// MaxOperand bounds both operands and every answer.
const MaxOperand = 100

// Op is the arithmetic operation of a puzzle.
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
)

// Puzzle is one generated challenge.
type Puzzle struct {
	A, B     int
	Op       Op
	Question string
	Answer   int
}

// Generator hands out puzzles. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a Generator drawing from src. A nil src uses a
// randomly seeded PCG source.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{rnd: rand.New(src)}
}

// Generate picks addition or subtraction with equal probability and keeps
// every operand and the answer inside [0, MaxOperand].
func (g *Generator) Generate() Puzzle {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rnd.IntN(2) == 0 {
		a := g.rnd.IntN(MaxOperand + 1)
		b := g.rnd.IntN(MaxOperand - a + 1)
		return newPuzzle(a, b, OpAdd)
	}
	a := 1 + g.rnd.IntN(MaxOperand)
	b := g.rnd.IntN(a + 1)
	return newPuzzle(a, b, OpSub)
}

func newPuzzle(a, b int, op Op) Puzzle {
	answer := a + b
	if op == OpSub {
		answer = a - b
	}
	return Puzzle{
		A:        a,
		B:        b,
		Op:       op,
		Question: fmt.Sprintf("%d %s %d = ?", a, op, b),
		Answer:   answer,
	}
}

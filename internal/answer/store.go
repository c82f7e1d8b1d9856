// Package answer holds the per-question answer state of a test session.
package answer

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrOutOfRange = errors.New("question number out of range")
	ErrFrozen     = errors.New("answer store is frozen")
)

// Store is the key-value view of "the current answer for question N".
type Store interface {
	Get(questionNumber int) (model.Answer, error)
	Set(questionNumber int, a model.Answer) error
	Len() int
	Snapshot() []model.Answer
}

// Dense is a Store backed by a slice indexed by questionNumber-1.
// Every slot exists from construction; writes are last-write-wins.
// Not safe for concurrent use.
type Dense struct {
	slots  []model.Answer
	frozen bool
}

// NewDense allocates total empty slots.
func NewDense(total int) *Dense {
	if total < 0 {
		total = 0
	}
	slots := make([]model.Answer, total)
	for i := range slots {
		slots[i] = model.Answer{QuestionNumber: i + 1}
	}
	return &Dense{slots: slots}
}

func (d *Dense) index(questionNumber int) (int, error) {
	i := questionNumber - 1
	if i < 0 || i >= len(d.slots) {
		return 0, fmt.Errorf("%w: %d (total %d)", ErrOutOfRange, questionNumber, len(d.slots))
	}
	return i, nil
}

// Get returns the answer at questionNumber.
func (d *Dense) Get(questionNumber int) (model.Answer, error) {
	i, err := d.index(questionNumber)
	if err != nil {
		return model.Answer{}, err
	}
	return d.slots[i], nil
}

// Set overwrites the answer at questionNumber.
func (d *Dense) Set(questionNumber int, a model.Answer) error {
	if d.frozen {
		return ErrFrozen
	}
	i, err := d.index(questionNumber)
	if err != nil {
		return err
	}
	a.QuestionNumber = questionNumber
	d.slots[i] = a
	return nil
}

// Len is the total question count, independent of how many are filled.
func (d *Dense) Len() int { return len(d.slots) }

// Snapshot copies all slots in question order.
func (d *Dense) Snapshot() []model.Answer {
	out := make([]model.Answer, len(d.slots))
	copy(out, d.slots)
	return out
}

// Freeze rejects every later Set.
func (d *Dense) Freeze() { d.frozen = true }

// Frozen reports whether Freeze has been called.
func (d *Dense) Frozen() bool { return d.frozen }

package quiz

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAnswerCount = errors.New("invalid answer count")
	ErrUnknownAnswerTag   = errors.New("unknown answer tag")
	ErrQuestionOutOfRange = errors.New("question index out of range")
)

// Validate reports whether tag is a legal answer for the question at index.
func Validate(index int, tag AnswerTag) error {
	if index < 0 || index >= len(Questions) {
		return fmt.Errorf("%w: %d", ErrQuestionOutOfRange, index)
	}
	if _, ok := Questions[index].Option(tag); !ok {
		return fmt.Errorf("%w: %q for question %d", ErrUnknownAnswerTag, tag, index)
	}
	return nil
}

// Tally sums the option votes of a complete answer sequence per variant.
func Tally(answers []AnswerTag) (map[Variant]int, error) {
	if len(answers) != len(Questions) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidAnswerCount, len(answers), len(Questions))
	}

	totals := make(map[Variant]int, len(Priority))
	for _, v := range Priority {
		totals[v] = 0
	}
	for i, tag := range answers {
		opt, ok := Questions[i].Option(tag)
		if !ok {
			return nil, fmt.Errorf("%w: %q for question %d", ErrUnknownAnswerTag, tag, i)
		}
		for _, vote := range opt.Votes {
			totals[vote.Variant] += vote.Weight
		}
	}
	return totals, nil
}

// Score maps a complete answer sequence to the recommended variant. Ties are
// resolved by Priority order.
func Score(answers []AnswerTag) (Variant, error) {
	totals, err := Tally(answers)
	if err != nil {
		return "", err
	}

	best := Priority[0]
	for _, v := range Priority[1:] {
		if totals[v] > totals[best] {
			best = v
		}
	}
	return best, nil
}

// ScoreStrings is Score over stored answer strings.
func ScoreStrings(answers []string) (Variant, error) {
	tags := make([]AnswerTag, len(answers))
	for i, a := range answers {
		tags[i] = AnswerTag(a)
	}
	return Score(tags)
}

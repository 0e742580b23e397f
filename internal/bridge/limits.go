package bridge

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/kalambet/aibridge/internal/engine"
)

const (
	MinTemperature = 0.0
	MaxTemperature = 2.0

	MinTokens = 1
	MaxTokens = 100000

	// MaxPromptLength is measured in characters (runes), not bytes.
	MaxPromptLength = 100000

	MaxSessions = 255
)

func validatePrompt(prompt string) error {
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return ErrPromptTooLong
	}
	return nil
}

func validateParams(p engine.Params) error {
	if math.IsNaN(p.Temperature) || p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %g outside [%.1f, %.1f]", ErrInvalidArgument, p.Temperature, MinTemperature, MaxTemperature)
	}
	if p.MaxTokens < MinTokens || p.MaxTokens > MaxTokens {
		return fmt.Errorf("%w: max tokens %d outside [%d, %d]", ErrInvalidArgument, p.MaxTokens, MinTokens, MaxTokens)
	}
	return nil
}

func validateRequest(prompt string, p engine.Params) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}
	return validateParams(p)
}

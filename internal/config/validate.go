package config

import (
	"errors"
	"fmt"
	"slices"
)

var (
	validFlaggedPolicies = []string{"drop", "deflect", "answer"}
	validSearchModes     = []string{"off", "heuristic", "model"}
	validLLMProviders    = []string{"ollama", "genai"}
	validLogFormats      = []string{"json", "console"}
)

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(validLogFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of %v", validLogFormats))
	}
	if !slices.Contains(validLLMProviders, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider must be one of %v", validLLMProviders))
	}
	if c.LLM.Provider == "genai" && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required for genai"))
	}
	if c.LLM.MaxConcurrent < 1 {
		errs = append(errs, errors.New("llm.max_concurrent must be >= 1"))
	}
	if c.LLM.QueueTimeout <= 0 || c.LLM.RequestTimeout <= 0 {
		errs = append(errs, errors.New("llm timeouts must be positive"))
	}
	if !slices.Contains(validSearchModes, c.Search.Mode) {
		errs = append(errs, fmt.Errorf("search.mode must be one of %v", validSearchModes))
	}
	if c.Memory.TopK < 1 {
		errs = append(errs, errors.New("memory.top_k must be >= 1"))
	}
	if c.Memory.Ceiling < 1 {
		errs = append(errs, errors.New("memory.ceiling must be >= 1"))
	}
	if c.Memory.DecayRate < 0 {
		errs = append(errs, errors.New("memory.decay_rate must be >= 0"))
	}
	if c.Memory.SummaryThreshold < 1 || c.Memory.SummarySpan < 1 {
		errs = append(errs, errors.New("memory summary threshold and span must be >= 1"))
	}
	if !slices.Contains(validFlaggedPolicies, c.Security.FlaggedPolicy) {
		errs = append(errs, fmt.Errorf("security.flagged_policy must be one of %v", validFlaggedPolicies))
	}
	for i := 1; i < len(c.Security.Ladder); i++ {
		if c.Security.Ladder[i] < c.Security.Ladder[i-1] {
			errs = append(errs, fmt.Errorf("security.ladder must be non-decreasing (step %d)", i))
			break
		}
	}
	if c.Gate.FloodLimit < 1 || c.Gate.FloodWindow <= 0 {
		errs = append(errs, errors.New("gate flood limit and window must be positive"))
	}
	if c.Gate.Debounce < 0 {
		errs = append(errs, errors.New("gate.debounce must not be negative"))
	}
	if c.Delivery.TypingFloor <= 0 || c.Delivery.TypingCap < c.Delivery.TypingFloor {
		errs = append(errs, errors.New("delivery typing floor must be positive and <= cap"))
	}
	if c.Delivery.TypingVariance < 0 || c.Delivery.TypingVariance >= 1 {
		errs = append(errs, errors.New("delivery.typing_variance must be in [0,1)"))
	}
	if c.Delivery.DistractProbability < 0 || c.Delivery.DistractProbability > 1 {
		errs = append(errs, errors.New("delivery.distract_probability must be in [0,1]"))
	}
	if c.Delivery.MaxMessageLength < 1 {
		errs = append(errs, errors.New("delivery.max_message_length must be >= 1"))
	}

	return errors.Join(errs...)
}

package oracle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
)

// ErrNoProvider is returned when no provider has credentials.
var ErrNoProvider = errors.New("no LLM provider configured")

// Purpose selects which configured model a client uses.
type Purpose string

const (
	PurposeDecision Purpose = "decision"
	PurposeAnswer   Purpose = "answer"
)

// Provider names
const (
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"
	ProviderAnthropic = "anthropic"
	ProviderQianwen   = "qianwen"
)

var detectOrder = []string{ProviderOpenAI, ProviderDeepSeek, ProviderAnthropic, ProviderQianwen}

// New builds a guarded oracle. An explicit llm.provider wins; otherwise the
// first provider with an API key, in the order openai, deepseek, anthropic,
// qianwen.
func New(cfg config.LLMConfig, purpose Purpose, timeout time.Duration, logger *zap.Logger) (*Guarded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		for _, candidate := range detectOrder {
			if providerConfig(cfg, candidate).APIKey != "" {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		return nil, ErrNoProvider
	}
	pc := providerConfig(cfg, name)
	if pc.APIKey == "" {
		return nil, fmt.Errorf("%w: %s has no api key", ErrNoProvider, name)
	}

	model := pc.Model
	if model == "" {
		model = cfg.DecisionRole
		if purpose == PurposeAnswer {
			model = cfg.AnswerRole
		}
	}

	var inner Oracle
	switch name {
	case ProviderOpenAI, ProviderDeepSeek, ProviderQianwen:
		inner = NewOpenAI(name, pc.APIKey, pc.BaseURL, model, cfg.Temperature, cfg.MaxTokens)
	case ProviderAnthropic:
		inner = NewAnthropic(pc.APIKey, pc.BaseURL, model, cfg.Temperature, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", name)
	}

	logger.Info("LLM oracle configured",
		zap.String("provider", name),
		zap.String("model", model),
		zap.String("purpose", string(purpose)))
	return NewGuarded(inner, name, cfg.RateLimit, cfg.Burst, timeout, logger), nil
}

func providerConfig(cfg config.LLMConfig, name string) config.ProviderConfig {
	switch name {
	case ProviderOpenAI:
		return cfg.OpenAI
	case ProviderDeepSeek:
		return cfg.DeepSeek
	case ProviderAnthropic:
		return cfg.Anthropic
	case ProviderQianwen:
		return cfg.Qianwen
	}
	return config.ProviderConfig{}
}

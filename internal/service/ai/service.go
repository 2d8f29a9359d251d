package ai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/atlastree/explorer/backend/internal/config"
)

// Service wraps the upstream streaming completion call behind the retry and
// timeout policy. A returned stream is finite and not restartable; retrying
// means issuing a new call, which Generate does internally while no delta has
// been handed out yet.
type Service struct {
	chain compose.Runnable[map[string]any, *schema.Message]
	cfg   config.AIConfig

	// newBackoff is swapped in tests to avoid real sleeps.
	newBackoff func() backoff.BackOff
}

// NewService compiles the chat chain for the configured Ark model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat model")
	}

	promptTemplate := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile chat chain")
	}

	return newService(cfg, runnable), nil
}

func newService(cfg config.AIConfig, runnable compose.Runnable[map[string]any, *schema.Message]) *Service {
	return &Service{
		chain: runnable,
		cfg:   cfg,
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// GenerateStream opens a streaming completion call for the assembled input
// and returns the lazy sequence of message deltas. Call-time failures are
// retried according to their classification: rate limits up to the attempt
// budget with exponential backoff, timeouts and transient faults once, fatal
// errors and cancellation never.
func (s *Service) GenerateStream(ctx context.Context, in Input) (*schema.StreamReader[*schema.Message], error) {
	vars := in.ChainVariables()

	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var stream *schema.StreamReader[*schema.Message]
	attempt := 0

	operation := func() error {
		attempt++
		out, err := s.chain.Stream(ctx, vars)
		if err == nil {
			stream = out
			return nil
		}

		kind := Classify(err)
		wrapped := &UpstreamError{Kind: kind, Err: err}

		switch kind {
		case KindCancelled, KindFatal:
			return backoff.Permanent(wrapped)
		case KindRateLimited:
			log.Warn().Err(err).Int("attempt", attempt).Msg("completion call rate limited")
			return wrapped
		default:
			// Timeouts and transient network faults get exactly one retry.
			if attempt >= 2 {
				return backoff.Permanent(wrapped)
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("kind", kind.String()).Msg("retrying completion call")
			return wrapped
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(s.newBackoff(), uint64(maxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if Classify(err) == KindFatal {
			log.Error().Err(err).Msg("fatal completion provider error")
		}
		return nil, err
	}

	return stream, nil
}

package ai

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/atlastree/explorer/backend/internal/config"
)

// fakeRunnable scripts the outcome of successive Stream calls.
type fakeRunnable struct {
	calls   int
	outcome func(call int) ([]string, error)
}

var _ compose.Runnable[map[string]any, *schema.Message] = (*fakeRunnable)(nil)

func (f *fakeRunnable) Invoke(ctx context.Context, in map[string]any, opts ...compose.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRunnable) Stream(ctx context.Context, in map[string]any, opts ...compose.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	deltas, err := f.outcome(f.calls)
	if err != nil {
		return nil, err
	}
	chunks := make([]*schema.Message, 0, len(deltas))
	for _, d := range deltas {
		chunks = append(chunks, schema.AssistantMessage(d, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (f *fakeRunnable) Collect(ctx context.Context, in *schema.StreamReader[map[string]any], opts ...compose.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRunnable) Transform(ctx context.Context, in *schema.StreamReader[map[string]any], opts ...compose.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func testService(t *testing.T, maxAttempts int, outcome func(call int) ([]string, error)) (*Service, *fakeRunnable) {
	t.Helper()
	fake := &fakeRunnable{outcome: outcome}
	svc := newService(config.AIConfig{MaxAttempts: maxAttempts}, fake)
	svc.newBackoff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(0)
	}
	return svc, fake
}

func drain(t *testing.T, stream *schema.StreamReader[*schema.Message]) string {
	t.Helper()
	defer stream.Close()
	var out string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out += chunk.Content
	}
}

func TestGenerateStreamSucceedsFirstTry(t *testing.T) {
	svc, fake := testService(t, 3, func(int) ([]string, error) {
		return []string{"hel", "lo"}, nil
	})

	stream, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", drain(t, stream))
	require.Equal(t, 1, fake.calls)
}

func TestGenerateStreamRetriesRateLimitWithinBudget(t *testing.T) {
	svc, fake := testService(t, 3, func(call int) ([]string, error) {
		if call <= 2 {
			return nil, errors.New("429 too many requests")
		}
		return []string{"ok"}, nil
	})

	stream, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", drain(t, stream))
	require.Equal(t, 3, fake.calls)
}

func TestGenerateStreamRateLimitExhaustsBudget(t *testing.T) {
	svc, fake := testService(t, 3, func(int) ([]string, error) {
		return nil, errors.New("429 too many requests")
	})

	_, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.Error(t, err)
	require.Equal(t, KindRateLimited, Classify(err))
	require.Equal(t, 3, fake.calls)
}

func TestGenerateStreamTransientGetsOneRetry(t *testing.T) {
	svc, fake := testService(t, 3, func(int) ([]string, error) {
		return nil, errors.New("connection reset by peer")
	})

	_, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.Error(t, err)
	require.Equal(t, KindTransient, Classify(err))
	require.Equal(t, 2, fake.calls)
}

func TestGenerateStreamTimeoutGetsOneRetry(t *testing.T) {
	svc, fake := testService(t, 3, func(call int) ([]string, error) {
		if call == 1 {
			return nil, errors.New("request timed out")
		}
		return []string{"recovered"}, nil
	})

	stream, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.NoError(t, err)
	require.Equal(t, "recovered", drain(t, stream))
	require.Equal(t, 2, fake.calls)
}

func TestGenerateStreamFatalNeverRetries(t *testing.T) {
	svc, fake := testService(t, 3, func(int) ([]string, error) {
		return nil, errors.New("401 unauthorized: invalid key")
	})

	_, err := svc.GenerateStream(context.Background(), Input{Query: "hi"})
	require.Error(t, err)
	require.Equal(t, KindFatal, Classify(err))
	require.Equal(t, 1, fake.calls)
}

func TestGenerateStreamCancellationNeverRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, fake := testService(t, 3, func(int) ([]string, error) {
		cancel()
		return nil, context.Canceled
	})

	_, err := svc.GenerateStream(ctx, Input{Query: "hi"})
	require.Error(t, err)
	require.Equal(t, KindCancelled, Classify(err))
	require.Equal(t, 1, fake.calls)
}

func TestClassifyKinds(t *testing.T) {
	require.Equal(t, KindRateLimited, Classify(errors.New("Rate limit exceeded")))
	require.Equal(t, KindFatal, Classify(errors.New("403 Forbidden")))
	require.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, KindCancelled, Classify(context.Canceled))
	require.Equal(t, KindTransient, Classify(errors.New("broken pipe")))
}

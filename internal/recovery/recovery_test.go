package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/execctx"
	logx "userscriptd/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	c := NewClassifier(nil)
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("SyntaxError: Unexpected token ')'"), CategoryValidation},
		{errors.New("Refused to evaluate: violates Content Security Policy"), CategorySecurity},
		{errors.New("ReferenceError: foo is not defined"), CategoryExecution},
		{errors.New("TypeError: x.y is not a function"), CategoryExecution},
		{errors.New("operation timed out"), CategoryTimeout},
		{fmt.Errorf("attempt: %w", context.DeadlineExceeded), CategoryTimeout},
		{fmt.Errorf("wrapped: %w", ErrTimeout), CategoryTimeout},
		{errors.New("Permission denied for tabs"), CategoryPermission},
		{errors.New("TypeError: Failed to fetch"), CategoryExecution},
		{errors.New("Failed to fetch"), CategoryNetwork},
		{errors.New("JavaScript heap out of memory"), CategoryMemory},
		{ErrMemoryLimit, CategoryMemory},
		{errors.New("No tab with id: 42"), CategoryHostAPI},
		{errors.New("something odd"), CategoryUnknown},
		{WithCategory(errors.New("something odd"), CategoryNetwork), CategoryNetwork},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.Classify(tc.err), tc.err.Error())
	}
}

func TestSeverity(t *testing.T) {
	t.Parallel()
	require.Equal(t, SeverityCritical, SeverityOf(CategorySecurity))
	require.Equal(t, SeverityCritical, SeverityOf(CategoryMemory))
	require.Equal(t, SeverityHigh, SeverityOf(CategoryValidation))
	require.Equal(t, SeverityHigh, SeverityOf(CategoryPermission))
	require.Equal(t, SeverityMedium, SeverityOf(CategoryTimeout))
	require.Equal(t, SeverityLow, SeverityOf(CategoryNetwork))
	require.Equal(t, SeverityMedium, SeverityOf(CategoryUnknown))
}

func ctxFor(script, tab string, retry, maxRetries int) execctx.Context {
	return execctx.Context{ExecutionID: "e1", ScriptID: script, TabID: tab, RetryCount: retry, MaxRetries: maxRetries}
}

func TestShouldRetryBounds(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	execErr := errors.New("TypeError: boom")

	for retry := 0; retry < 3; retry++ {
		se := s.Handle(execErr, ctxFor("s", "t", retry, 10), nil)
		require.True(t, s.ShouldRetry(se), "retry %d", retry)
	}
	require.False(t, s.ShouldRetry(s.Handle(execErr, ctxFor("s", "t", 3, 10), nil)))

	// The request's own limit is tighter.
	require.False(t, s.ShouldRetry(s.Handle(execErr, ctxFor("s", "t", 1, 1), nil)))

	// Not retryable categories and NoRetry wrappers.
	require.False(t, s.ShouldRetry(s.Handle(errors.New("Permission denied"), ctxFor("s", "t", 0, 10), nil)))
	require.False(t, s.ShouldRetry(s.Handle(NoRetry(execErr), ctxFor("s", "t", 0, 10), nil)))
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxRetryDelay: 10 * time.Second}, logx.Nop())
	execErr := errors.New("TypeError: boom")

	require.Equal(t, time.Second, s.RetryDelay(s.Handle(execErr, ctxFor("s", "t", 0, 5), nil)))
	require.Equal(t, 2*time.Second, s.RetryDelay(s.Handle(execErr, ctxFor("s", "t", 1, 5), nil)))
	require.Equal(t, 8*time.Second, s.RetryDelay(s.Handle(execErr, ctxFor("s", "t", 3, 5), nil)))
	require.Equal(t, 10*time.Second, s.RetryDelay(s.Handle(execErr, ctxFor("s", "t", 4, 5), nil)))

	hinted := RetryAfter(errors.New("Failed to fetch"), 3*time.Second)
	require.Equal(t, 3*time.Second, s.RetryDelay(s.Handle(hinted, ctxFor("s", "t", 2, 5), nil)))
}

func TestPolicyOverrides(t *testing.T) {
	t.Parallel()
	s := New(Config{Policies: map[Category]Policy{
		CategoryNetwork: {Retryable: false, Fallback: FallbackReport},
	}}, logx.Nop())
	require.False(t, s.Policy(CategoryNetwork).Retryable)
	require.Equal(t, FallbackReport, s.Policy(CategoryNetwork).Fallback)
	require.Equal(t, 3, s.Policy(CategoryExecution).MaxRetries)

	se := s.Handle(errors.New("unsafe-eval blocked"), ctxFor("s", "t", 0, 3), nil)
	require.Equal(t, FallbackDisable, s.FallbackFor(se))
}

func TestScriptErrorCarriesHintAndCause(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	base := errors.New("operation timed out")
	se := s.Handle(base, ctxFor("s", "t", 0, 3), map[string]any{"attempt": 1})
	require.NotEmpty(t, se.ID)
	require.Equal(t, CategoryTimeout, se.Category)
	require.NotEmpty(t, se.Hint)
	require.True(t, errors.Is(se, base))
	require.Equal(t, 1, se.Extra["attempt"])
}

func TestHistoryBoundedAndQueryable(t *testing.T) {
	t.Parallel()
	s := New(Config{HistorySize: 3}, logx.Nop())
	for i := 0; i < 5; i++ {
		s.Handle(fmt.Errorf("TypeError %d", i), ctxFor(fmt.Sprintf("s%d", i%2), "t1", 0, 3), nil)
	}
	s.Handle(errors.New("Permission denied"), ctxFor("s9", "t2", 0, 3), nil)

	h := s.History()
	require.Len(t, h, 3)
	require.Equal(t, "TypeError 3", h[0].Message)

	require.Len(t, s.ForTab("t2"), 1)
	require.Len(t, s.ForScript("s0"), 1)

	st := s.Stats()
	require.Equal(t, 3, st.Total)
	require.Equal(t, 2, st.ByCategory[CategoryExecution])
	require.Equal(t, 1, st.BySeverity[SeverityHigh])
	require.Equal(t, 2, st.Retryable)

	s.Clear("s0")
	require.Empty(t, s.ForScript("s0"))
	s.Clear("")
	require.Empty(t, s.History())
}

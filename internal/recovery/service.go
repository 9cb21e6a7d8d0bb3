package recovery

import (
	"errors"
	"strings"
	"sync"
	"time"

	crdb "github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"userscriptd/internal/execctx"
	logx "userscriptd/pkg/logx"
)

var defaultHints = map[Category]string{
	CategoryValidation: "fix the script metadata or syntax and save it again",
	CategorySecurity:   "remove the blocked construct; the script has been disabled",
	CategoryExecution:  "check the script for runtime errors on this page",
	CategoryTimeout:    "the script ran too long; reduce its work or raise the timeout",
	CategoryPermission: "grant the required permission and retry",
	CategoryNetwork:    "the network request failed; it will be retried",
	CategoryMemory:     "the script used too much memory and has been disabled",
	CategoryHostAPI:    "the page or tab went away while the script ran",
	CategoryUnknown:    "retry later; report the script if this persists",
}

// Service classifies failures and keeps a bounded history of them.
// Safe for concurrent use.
type Service struct {
	log logx.Logger

	mu         sync.Mutex
	cfg        Config
	classifier *Classifier
	policies   map[Category]Policy
	history    []*ScriptError
}

func New(cfg Config, log logx.Logger) *Service {
	s := &Service{log: log}
	s.SetConfig(cfg)
	return s
}

func (s *Service) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	pol := DefaultPolicies()
	for c, p := range cfg.Policies {
		pol[c] = p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.classifier = NewClassifier(cfg.Rules)
	s.policies = pol
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = append([]*ScriptError(nil), s.history[over:]...)
	}
}

func (s *Service) Classify(err error) Category {
	s.mu.Lock()
	c := s.classifier
	s.mu.Unlock()
	return c.Classify(err)
}

func (s *Service) Policy(c Category) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[c]; ok {
		return p
	}
	return s.policies[CategoryUnknown]
}

// Handle classifies err for the attempt described by ctx, records it and
// returns the resulting ScriptError.
func (s *Service) Handle(err error, ctx execctx.Context, extra map[string]any) *ScriptError {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	var prior *ScriptError
	if errors.As(err, &prior) {
		return prior
	}

	cat := s.Classify(err)
	pol := s.Policy(cat)
	retryable := pol.Retryable && !IsNoRetry(err)

	cause := crdb.WithHint(err, defaultHints[cat])
	se := &ScriptError{
		ID:        uuid.NewString(),
		Category:  cat,
		Severity:  SeverityOf(cat),
		Retryable: retryable,
		Message:   err.Error(),
		Hint:      strings.ReplaceAll(crdb.FlattenHints(cause), "\n--\n", "; "),
		Context:   ctx,
		Extra:     extra,
		Timestamp: time.Now(),
		cause:     cause,
	}

	s.mu.Lock()
	s.history = append(s.history, se)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		copy(s.history, s.history[over:])
		for i := len(s.history) - over; i < len(s.history); i++ {
			s.history[i] = nil
		}
		s.history = s.history[:len(s.history)-over]
	}
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("script", ctx.ScriptID),
		logx.String("tab", ctx.TabID),
		logx.String("category", string(cat)),
		logx.String("severity", string(se.Severity)),
		logx.Int("retry", ctx.RetryCount),
		logx.Err(err),
	}
	switch se.Severity {
	case SeverityCritical:
		s.log.Error("script error", fields...)
	case SeverityHigh:
		s.log.Warn("script error", fields...)
	case SeverityMedium:
		s.log.Info("script error", fields...)
	default:
		s.log.Debug("script error", fields...)
	}
	return se
}

// ShouldRetry reports whether another attempt is allowed. The limit is the
// smaller of the category policy and the request's own MaxRetries.
func (s *Service) ShouldRetry(se *ScriptError) bool {
	if se == nil || !se.Retryable {
		return false
	}
	pol := s.Policy(se.Category)
	limit := pol.MaxRetries
	if se.Context.MaxRetries < limit {
		limit = se.Context.MaxRetries
	}
	return pol.Retryable && se.Context.RetryCount < limit
}

// RetryDelay is BaseDelay * 2^RetryCount, or the error's RetryAfter hint,
// capped at MaxRetryDelay.
func (s *Service) RetryDelay(se *ScriptError) time.Duration {
	if se == nil {
		return 0
	}
	s.mu.Lock()
	maxDelay := s.cfg.MaxRetryDelay
	s.mu.Unlock()

	var ra RetryAfterError
	if errors.As(se.cause, &ra) {
		return min(ra.RetryAfter(), maxDelay)
	}
	d := s.Policy(se.Category).BaseDelay
	for i := 0; i < se.Context.RetryCount && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

// FallbackFor returns the action for an error that won't be retried.
func (s *Service) FallbackFor(se *ScriptError) Fallback {
	if se == nil {
		return FallbackSkip
	}
	if f := s.Policy(se.Category).Fallback; f != "" {
		return f
	}
	return FallbackSkip
}

func (s *Service) filter(keep func(*ScriptError) bool) []ScriptError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScriptError
	for _, se := range s.history {
		if keep(se) {
			out = append(out, *se)
		}
	}
	return out
}

func (s *Service) History() []ScriptError {
	return s.filter(func(*ScriptError) bool { return true })
}

func (s *Service) ForScript(scriptID string) []ScriptError {
	return s.filter(func(se *ScriptError) bool { return se.Context.ScriptID == scriptID })
}

func (s *Service) ForTab(tabID string) []ScriptError {
	return s.filter(func(se *ScriptError) bool { return se.Context.TabID == tabID })
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Total:      len(s.history),
		ByCategory: map[Category]int{},
		BySeverity: map[Severity]int{},
	}
	for _, se := range s.history {
		st.ByCategory[se.Category]++
		st.BySeverity[se.Severity]++
		if se.Retryable {
			st.Retryable++
		}
	}
	return st
}

// Clear drops the history of one script, or everything when scriptID is empty.
func (s *Service) Clear(scriptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scriptID == "" {
		s.history = nil
		return
	}
	kept := s.history[:0]
	for _, se := range s.history {
		if se.Context.ScriptID != scriptID {
			kept = append(kept, se)
		}
	}
	for i := len(kept); i < len(s.history); i++ {
		s.history[i] = nil
	}
	s.history = kept
}

package source

import (
	"context"
	"fmt"
	"log/slog"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
	"ChannelArchiver/internal/upstream"
)

// StrategySource implements MessageSource by resolving every source to a
// registered upstream: the per-source override when configured, otherwise
// the default kind.
type StrategySource struct {
	registry    *upstream.Registry
	defaultKind string
	overrides   map[string]string
	logger      *slog.Logger
}

var _ ports.MessageSource = (*StrategySource)(nil)

// NewStrategySource wires the upstream registry with the configured kinds.
func NewStrategySource(reg *upstream.Registry, defaultKind string, overrides map[string]string, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry:    reg,
		defaultKind: defaultKind,
		overrides:   overrides,
		logger:      log,
	}
}

// Fetch delegates to the upstream of source.
func (s *StrategySource) Fetch(ctx context.Context, source string, q domain.FetchQuery) ([]domain.UpstreamMessage, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("upstream registry is not configured")
	}

	kind := s.kindOf(source)
	strategy, err := s.registry.Resolve(kind)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, err)
	}

	s.debug("fetch", "source", source, "upstream", kind, "direction", q.Direction.String(),
		"low_id", q.LowID, "high_id", q.HighID, "limit", q.Limit)

	msgs, err := strategy.Fetch(ctx, source, q)
	s.debug("upstream returned", "source", source, "count", len(msgs), "error", err)
	return msgs, err
}

func (s *StrategySource) kindOf(source string) string {
	if kind, ok := s.overrides[source]; ok && kind != "" {
		return kind
	}
	return s.defaultKind
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

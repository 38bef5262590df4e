package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("no selector candidate matched")

// NotFoundError lists what was tried for a target.
type NotFoundError struct {
	Target Target
	Tried  []Locator
}

func (e *NotFoundError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, l := range e.Tried {
		tried[i] = l.String()
	}
	return fmt.Sprintf("%s: %s (tried %s)", ErrNotFound, e.Target, strings.Join(tried, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Prober checks whether a locator currently matches a visible element. It
// should keep looking until ctx is done and then report false.
type Prober interface {
	Probe(ctx context.Context, loc Locator) (bool, error)
}

// Resolver walks a target's candidates in order and returns the first one
// present. Each candidate gets its own probe budget.
type Resolver struct {
	table        Table
	probeTimeout time.Duration
	logger       *zap.Logger
}

func NewResolver(table Table, probeTimeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		table:        table,
		probeTimeout: probeTimeout,
		logger:       logger.Named("selector"),
	}
}

// Table returns the candidate table the resolver uses.
func (r *Resolver) Table() Table { return r.table }

// Resolve returns the first candidate for target that p reports present.
// Later candidates are not probed once one matches.
func (r *Resolver) Resolve(ctx context.Context, p Prober, target Target) (Locator, error) {
	candidates := r.table.Candidates(target)
	if len(candidates) == 0 {
		return Locator{}, fmt.Errorf("no candidates registered for target %s", target)
	}

	for i, loc := range candidates {
		if err := ctx.Err(); err != nil {
			return Locator{}, fmt.Errorf("resolving %s: %w", target, err)
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		found, err := p.Probe(probeCtx, loc)
		cancel()

		if err != nil {
			// The parent deadline is the caller's problem, not a miss.
			if ctx.Err() != nil {
				return Locator{}, fmt.Errorf("resolving %s: %w", target, ctx.Err())
			}
			r.logger.Debug("Probe failed, trying next candidate",
				zap.String("target", string(target)),
				zap.Stringer("locator", loc),
				zap.Error(err))
			continue
		}
		if found {
			if i > 0 {
				r.logger.Info("Resolved target using fallback candidate",
					zap.String("target", string(target)),
					zap.Stringer("locator", loc),
					zap.Int("position", i))
			}
			return loc, nil
		}
	}

	return Locator{}, &NotFoundError{Target: target, Tried: candidates}
}

// Package planner implements the backfill planner: given the set of
// currently active subscribers, it selects at most one unit of work,
// preferring the freshest. Grounded in original_source's
// select_fetch_task, which unions the three candidate queries with a
// NULLS FIRST ordering on before_snowflake so the thread-archive tier
// (null before_snowflake) always outranks a concrete channel or thread
// request, and the latter two are compared directly against each
// other by before_snowflake rather than by a fixed tier ranking.
package planner

import (
	"context"
	"fmt"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/store"
)

// Kind tags the variant of work a Plan represents.
type Kind int

const (
	// KindNone means no work is currently available.
	KindNone Kind = iota
	// KindArchiveScan is "extend thread-archive scan on a channel".
	KindArchiveScan
	// KindChannelPull is "pull channel history before a snowflake".
	KindChannelPull
	// KindThreadPull is "pull thread history before a snowflake".
	KindThreadPull
)

// Plan is the planner's single selected unit of work.
type Plan struct {
	Kind Kind

	Archive *store.ArchiveScanCandidate
	Channel *model.ChannelRequest
	Thread  *model.ThreadRequest
}

// Store is the subset of *store.Store the planner needs.
type Store interface {
	NextArchiveScan(ctx context.Context, subscribers []string) (*store.ArchiveScanCandidate, error)
	NextChannelRequest(ctx context.Context, subscribers []string) (*model.ChannelRequest, error)
	NextThreadRequest(ctx context.Context, subscribers []string) (*model.ThreadRequest, error)
}

var _ Store = (*store.Store)(nil)

// ActiveSubscribers reports every subscriber the planner may do
// persisted work for (those with a registered callback).
type ActiveSubscribers func() []string

// Planner selects the next unit of work.
type Planner struct {
	store   Store
	active  ActiveSubscribers
}

// New returns a Planner.
func New(st Store, active ActiveSubscribers) *Planner {
	return &Planner{store: st, active: active}
}

// Next selects at most one unit of work using the three-tier total
// order from the component design: archive scan (tier 1, always wins
// when present) beats the larger of the best channel pull and the
// best thread pull (tier 2/3, compared directly by before_snowflake).
func (p *Planner) Next(ctx context.Context) (Plan, error) {
	subs := p.active()
	if len(subs) == 0 {
		return Plan{Kind: KindNone}, nil
	}

	archive, err := p.store.NextArchiveScan(ctx, subs)
	if err != nil {
		return Plan{}, fmt.Errorf("planner: next archive scan: %w", err)
	}
	if archive != nil {
		return Plan{Kind: KindArchiveScan, Archive: archive}, nil
	}

	chanReq, err := p.store.NextChannelRequest(ctx, subs)
	if err != nil {
		return Plan{}, fmt.Errorf("planner: next channel request: %w", err)
	}
	threadReq, err := p.store.NextThreadRequest(ctx, subs)
	if err != nil {
		return Plan{}, fmt.Errorf("planner: next thread request: %w", err)
	}

	switch {
	case chanReq == nil && threadReq == nil:
		return Plan{Kind: KindNone}, nil
	case chanReq == nil:
		return Plan{Kind: KindThreadPull, Thread: threadReq}, nil
	case threadReq == nil:
		return Plan{Kind: KindChannelPull, Channel: chanReq}, nil
	case chanReq.Before >= threadReq.Before:
		return Plan{Kind: KindChannelPull, Channel: chanReq}, nil
	default:
		return Plan{Kind: KindThreadPull, Thread: threadReq}, nil
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/permitd/internal/svcfields"
)

// DefaultHold is how long the driver keeps the permit per round.
const DefaultHold = 3 * time.Second

// DriverConfig describes a load run against a coordinator.
type DriverConfig struct {
	// Addr is the coordinator host:port.
	Addr string
	// Requesters lists the identities to run. Each gets its own connection
	// and all run concurrently.
	Requesters []int
	// Rounds is the number of REQUEST/GRANT/RELEASE cycles per requester.
	Rounds int
	// Hold is the time spent holding the permit each round.
	Hold time.Duration
	// Pause is the delay between a RELEASE and the next REQUEST.
	Pause time.Duration
	// GrantTimeout bounds each wait for a GRANT. Zero waits until ctx ends.
	GrantTimeout time.Duration
	// Critical replaces the default sleep while holding the permit.
	Critical func(ctx context.Context, requester, round int) error
	Logger   pslog.Logger
	Options  []Option
}

// RoundResult records one completed cycle.
type RoundResult struct {
	Requester int
	Round     int
	Waited    time.Duration
	Held      time.Duration
}

// DriverReport summarises a run.
type DriverReport struct {
	Rounds  []RoundResult
	Started time.Time
	Elapsed time.Duration
}

// Grants counts completed rounds per requester.
func (r DriverReport) Grants() map[int]int {
	out := make(map[int]int)
	for _, round := range r.Rounds {
		out[round.Requester]++
	}
	return out
}

// Driver runs the reference client loop: REQUEST, wait for GRANT, hold,
// RELEASE, repeat.
type Driver struct {
	cfg    DriverConfig
	logger pslog.Logger
}

// NewDriver validates cfg.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("client: driver address required")
	}
	if len(cfg.Requesters) == 0 {
		return nil, errors.New("client: at least one requester required")
	}
	seen := make(map[int]struct{}, len(cfg.Requesters))
	for _, id := range cfg.Requesters {
		if id < 0 || id > 9 {
			return nil, fmt.Errorf("client: requester %d outside 0-9", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("client: requester %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 1
	}
	if cfg.Hold < 0 {
		cfg.Hold = 0
	}
	if cfg.Critical == nil {
		hold := cfg.Hold
		cfg.Critical = func(ctx context.Context, _, _ int) error {
			return sleep(ctx, hold)
		}
	}
	return &Driver{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "client.driver"),
	}, nil
}

// Run drives every requester until all rounds finish or one fails. The
// report holds every round completed before the failure.
func (d *Driver) Run(ctx context.Context) (DriverReport, error) {
	report := DriverReport{Started: time.Now()}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range d.cfg.Requesters {
		g.Go(func() error {
			return d.runRequester(gctx, id, func(r RoundResult) {
				mu.Lock()
				report.Rounds = append(report.Rounds, r)
				mu.Unlock()
			})
		})
	}
	err := g.Wait()
	report.Elapsed = time.Since(report.Started)
	return report, err
}

func (d *Driver) runRequester(ctx context.Context, id int, record func(RoundResult)) error {
	logger := d.logger.With("requester", id)
	opts := append([]Option{WithLogger(d.cfg.Logger)}, d.cfg.Options...)
	cli, err := Dial(ctx, d.cfg.Addr, opts...)
	if err != nil {
		return err
	}
	defer cli.Close()
	logger.Info("permitd.client.connected", "local", cli.LocalAddr().String())

	for round := 1; round <= d.cfg.Rounds; round++ {
		requested := time.Now()
		waitCtx, cancel := d.grantContext(ctx)
		grant, err := cli.Acquire(waitCtx, id)
		cancel()
		if err != nil {
			return fmt.Errorf("requester %d round %d: %w", id, round, err)
		}
		waited := grant.ReceivedAt.Sub(requested)
		logger.Info("permitd.client.granted", "round", round, "waited", waited)

		if err := d.cfg.Critical(ctx, id, round); err != nil {
			_ = cli.Release(id)
			return fmt.Errorf("requester %d round %d: critical section: %w", id, round, err)
		}
		held := time.Since(grant.ReceivedAt)
		if err := cli.Release(id); err != nil {
			return fmt.Errorf("requester %d round %d: %w", id, round, err)
		}
		logger.Info("permitd.client.released", "round", round, "held", held)
		record(RoundResult{Requester: id, Round: round, Waited: waited, Held: held})

		if round < d.cfg.Rounds {
			if err := sleep(ctx, d.cfg.Pause); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) grantContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.GrantTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.GrantTimeout)
	}
	return context.WithCancel(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

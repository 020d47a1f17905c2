package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
)

// DefaultEvictCron runs eviction every 15 minutes.
const DefaultEvictCron = "*/15 * * * *"

// EvictorConfig configures cache eviction.
type EvictorConfig struct {
	// Cron is a standard five-field cron expression.
	Cron string
	// TTL evicts channels not accessed for longer. Zero disables the age rule.
	TTL time.Duration
	// MaxBytes evicts least-recently-accessed channels while the cache is larger. Zero disables it.
	MaxBytes uint64
}

// EvictStats reports one eviction run.
type EvictStats struct {
	Expired   int
	Oversized int
	Bytes     uint64
}

// Evictor drops cached channels on a cron schedule.
type Evictor struct {
	cache *Cache
	cfg   EvictorConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewEvictor validates the schedule and constructs an Evictor.
func NewEvictor(cache *Cache, cfg EvictorConfig, log *slog.Logger) (*Evictor, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultEvictCron
	}
	if !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid eviction cron expression: %s", cfg.Cron)
	}
	return &Evictor{cache: cache, cfg: cfg, log: log, now: time.Now}, nil
}

// Run evicts on every cron tick until ctx is done.
func (e *Evictor) Run(ctx context.Context) {
	e.log.Info("history.evictor.start",
		"cron", e.cfg.Cron,
		"ttl", e.cfg.TTL.String(),
		"max_bytes", humanize.IBytes(e.cfg.MaxBytes),
	)
	for {
		next, err := gronx.NextTickAfter(e.cfg.Cron, e.now().UTC(), false)
		if err != nil {
			e.log.Error("history.evictor.next_tick.fail", "cron", e.cfg.Cron, "err", err)
			next = e.now().Add(time.Minute)
		}

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			e.log.Info("history.evictor.stop")
			return
		case <-t.C:
		}

		if _, err := e.RunOnce(); err != nil {
			e.log.Error("history.evictor.run.fail", "err", err)
		}
	}
}

// RunOnce applies the age rule, then the size rule.
func (e *Evictor) RunOnce() (EvictStats, error) {
	usage, err := e.cache.Usage()
	if err != nil {
		return EvictStats{}, err
	}

	var stats EvictStats
	now := e.now()
	kept := usage[:0]
	for _, u := range usage {
		if e.cfg.TTL > 0 && now.Sub(u.LastAccess) > e.cfg.TTL {
			if err := e.cache.DeleteChannel(u.ChannelID); err != nil {
				return stats, err
			}
			stats.Expired++
			continue
		}
		kept = append(kept, u)
		stats.Bytes += u.Bytes
	}

	if e.cfg.MaxBytes > 0 && stats.Bytes > e.cfg.MaxBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].LastAccess.Before(kept[j].LastAccess) })
		for _, u := range kept {
			if stats.Bytes <= e.cfg.MaxBytes {
				break
			}
			if err := e.cache.DeleteChannel(u.ChannelID); err != nil {
				return stats, err
			}
			stats.Bytes -= u.Bytes
			stats.Oversized++
		}
	}

	if stats.Expired > 0 || stats.Oversized > 0 {
		e.log.Info("history.evictor.run",
			"expired", stats.Expired,
			"oversized", stats.Oversized,
			"size", humanize.IBytes(stats.Bytes),
		)
	}
	return stats, nil
}

// Package registry keeps the set of live worlds, their metadata and their
// table partitions in step with the upstream server lists.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/world"
)

// ErrGarbled means a discovery feed served an error page or listed no world
// at all. The pass is abandoned so that no world is mistaken for dead.
var ErrGarbled = errors.New("registry: garbled discovery response")

// Fetcher retrieves one document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Store persists world metadata and partitions.
type Store interface {
	// Worlds lists the worlds with a metadata row.
	Worlds(ctx context.Context) ([]string, error)
	// PartitionWorlds lists the worlds owning at least one entity partition.
	PartitionWorlds(ctx context.Context) ([]string, error)
	EnsurePartitions(ctx context.Context, id string) error
	UpsertWorld(ctx context.Context, w world.World) error
	// DropWorld removes the partitions and metadata row of a world.
	DropWorld(ctx context.Context, id string) error
}

// Registry discovers live worlds.
type Registry struct {
	Feeds     Fetcher
	Store     Store
	Markets   world.Markets
	DailyHour int // metadata of known worlds is refreshed during this hour
	Now       func() time.Time
	Logger    *slog.Logger
}

// New creates a registry.
func New(feeds Fetcher, store Store, markets world.Markets) *Registry {
	return &Registry{
		Feeds:   feeds,
		Store:   store,
		Markets: markets,
		Now:     time.Now,
		Logger:  slog.Default(),
	}
}

// Pass summarises one refresh.
type Pass struct {
	Live    []string
	Added   []string // worlds seen for the first time
	Updated []string // worlds whose metadata was written
	Dropped []string
	Pending []string // listed, but no metadata row could be written yet
}

// Refresh reads every market's server list, creates partitions for the live
// worlds, records metadata of new worlds (and of all worlds during the daily
// hour), and drops worlds no market reports any more.
func (r *Registry) Refresh(ctx context.Context) (Pass, error) {
	logger := r.logger()

	recorded, err := r.Store.Worlds(ctx)
	if err != nil {
		return Pass{}, fmt.Errorf("list worlds: %w", err)
	}
	partitioned, err := r.Store.PartitionWorlds(ctx)
	if err != nil {
		return Pass{}, fmt.Errorf("list partitions: %w", err)
	}
	hasRow := toSet(recorded)
	known := toSet(partitioned)
	for id := range hasRow {
		known[id] = struct{}{}
	}

	daily := r.Now().Hour() == r.DailyHour
	var pass Pass
	seen := make(map[string]struct{})

	for _, code := range r.Markets.Codes() {
		domain := r.Markets[code]
		body, err := r.Feeds.Fetch(ctx, world.DiscoveryURL(domain))
		if err != nil {
			return Pass{}, fmt.Errorf("discover %s: %w", code, err)
		}
		if feed.IsErrorPage(body) {
			return Pass{}, fmt.Errorf("discover %s: %w", code, ErrGarbled)
		}

		listings := world.ParseListing(body)
		if len(listings) == 0 {
			return Pass{}, fmt.Errorf("discover %s: no world ids: %w", code, ErrGarbled)
		}

		for _, l := range listings {
			if l.Speed() || world.Language(l.ID) != code || !world.ValidID(l.ID) {
				continue
			}
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}

			_, hasMeta := hasRow[l.ID]
			if !hasMeta || daily {
				updated, err := r.refreshMetadata(ctx, l.ID, domain)
				if err != nil {
					return Pass{}, err
				}
				if updated {
					pass.Updated = append(pass.Updated, l.ID)
					hasMeta = true
				}
			}
			// A world without a metadata row gets no partitions and is not
			// ingested until its ruleset has been recorded.
			if !hasMeta {
				pass.Pending = append(pass.Pending, l.ID)
				continue
			}

			if err := r.Store.EnsurePartitions(ctx, l.ID); err != nil {
				return Pass{}, fmt.Errorf("partition %s: %w", l.ID, err)
			}
			if _, ok := known[l.ID]; !ok {
				pass.Added = append(pass.Added, l.ID)
			}
			pass.Live = append(pass.Live, l.ID)
		}
	}

	if len(seen) == 0 && len(known) > 0 {
		return Pass{}, fmt.Errorf("no market lists any of %d known worlds: %w", len(known), ErrGarbled)
	}

	for _, id := range world.Sorted(keys(known)) {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := r.Store.DropWorld(ctx, id); err != nil {
			return Pass{}, fmt.Errorf("drop %s: %w", id, err)
		}
		pass.Dropped = append(pass.Dropped, id)
		logger.Info("world closed", "world", id)
	}

	logger.Info("worlds refreshed",
		"live", len(pass.Live),
		"added", len(pass.Added),
		"updated", len(pass.Updated),
		"dropped", len(pass.Dropped),
		"pending", len(pass.Pending),
	)
	return pass, nil
}

// refreshMetadata fetches the ruleset of a world and upserts its row. An
// unreachable or unreadable ruleset is skipped; the world is retried next pass.
func (r *Registry) refreshMetadata(ctx context.Context, id, domain string) (bool, error) {
	body, err := r.Feeds.Fetch(ctx, world.ConfigURL(id, domain))
	if err != nil {
		r.logger().Warn("world config unavailable", "world", id, "error", err)
		return false, nil
	}
	w, err := world.ParseConfig(id, []byte(body))
	if err != nil {
		r.logger().Warn("world config unreadable", "world", id, "error", err)
		return false, nil
	}
	if err := r.Store.UpsertWorld(ctx, w); err != nil {
		return false, fmt.Errorf("upsert %s: %w", id, err)
	}
	return true, nil
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func keys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

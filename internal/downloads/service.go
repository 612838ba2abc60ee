// Package downloads drives one download batch: it selects the queue, fetches
// every item in turn and records what happened to it.
package downloads

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"ytbackup/internal/fetcher"
	"ytbackup/internal/guard"
	"ytbackup/internal/media"
	"ytbackup/internal/netinfo"
	"ytbackup/internal/process"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
)

type SleepFunc func(context.Context, time.Duration) error

// Fetcher runs the external fetch tool for one video.
type Fetcher interface {
	Fetch(ctx context.Context, videoID, channelName string) (fetcher.Result, error)
}

type Inspector interface {
	Inspect(ctx context.Context, path string) (media.Info, error)
}

type Uploader interface {
	Move(ctx context.Context, dir string) error
}

type IdentityResolver interface {
	Lookup(ctx context.Context) (netinfo.Identity, error)
}

// RegionLookup returns the regions a video is blocked in.
type RegionLookup interface {
	BlockedRegions(ctx context.Context, videoID string) ([]string, error)
}

// Ledger is the fetch tool's own record of fetched ids.
type Ledger interface {
	Contains(id string) (bool, error)
	Remove(id string) (bool, error)
}

// Settings are the paths and pacing of a batch.
type Settings struct {
	StagingDir          string
	LockPath            string
	MinSleep            time.Duration
	MaxSleep            time.Duration
	GeoblockSleep       time.Duration
	ServerErrorSleep    time.Duration
	ThrottleSleep       time.Duration
	ThrottleAbortAfter  int
	ProxyRestartCommand string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Fetcher   Fetcher
	Inspector Inspector
	Uploader  Uploader
	Identity  IdentityResolver
	Regions   RegionLookup
	Ledger    Ledger
	// Runner executes the proxy restart command.
	Runner process.Runner
}

type Orchestrator struct {
	store    *repository.Store
	guard    *guard.Guard
	run      *run.Run
	deps     Deps
	settings Settings
	sleep    SleepFunc
	randN    func(n int64) int64
}

func NewOrchestrator(store *repository.Store, g *guard.Guard, r *run.Run, deps Deps, settings Settings, sleep SleepFunc) *Orchestrator {
	if sleep == nil {
		sleep = defaultSleep
	}
	if deps.Runner == nil {
		deps.Runner = process.Exec{}
	}
	if settings.ThrottleAbortAfter <= 0 {
		settings.ThrottleAbortAfter = 10
	}
	if settings.MaxSleep < settings.MinSleep {
		settings.MaxSleep = settings.MinSleep
	}
	return &Orchestrator{store: store, guard: g, run: r, deps: deps, settings: settings, sleep: sleep, randN: rand.Int63n}
}

// SetRand overrides the source of the randomized pause between items.
func (o *Orchestrator) SetRand(randN func(n int64) int64) {
	o.randN = randN
}

// Counters tallies the outcome of every queued item.
type Counters struct {
	Queued        int
	Downloaded    int
	Preexisting   int
	GeoSkipped    int
	Expired       int
	Geoblocked    int
	Forbidden     int
	ServerErrors  int
	Throttled     int
	ItemForbidden int
	PolicyRemoved int
	NoFile        int
	Failed        int
}

func (c Counters) String() string {
	parts := []string{
		fmt.Sprintf("%d queued", c.Queued),
		fmt.Sprintf("%d downloaded", c.Downloaded),
	}
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(c.Preexisting, "already archived")
	add(c.GeoSkipped, "skipped for region")
	add(c.Expired, "older than download date")
	add(c.Geoblocked, "geoblocked")
	add(c.Forbidden, "forbidden")
	add(c.ServerErrors, "server errors")
	add(c.Throttled, "throttled")
	add(c.ItemForbidden, "http 403")
	add(c.PolicyRemoved, "removed for policy")
	add(c.NoFile, "without file")
	add(c.Failed, "failed")
	return strings.Join(parts, ", ")
}

// pause returns a random duration in [MinSleep, MaxSleep].
func (o *Orchestrator) pause() time.Duration {
	span := int64(o.settings.MaxSleep - o.settings.MinSleep)
	if span <= 0 {
		return o.settings.MinSleep
	}
	return o.settings.MinSleep + time.Duration(o.randN(span+1))
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
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

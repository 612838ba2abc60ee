package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ytbackup/internal/domain"
)

// MarkerStore persists the single-row control markers.
type MarkerStore interface {
	GetMarker(ctx context.Context, kind string) (domain.Statistic, bool, error)
	SetMarker(ctx context.Context, kind, value string, at time.Time) error
}

var (
	// ErrQuotaCooldown is returned by callers that refuse to touch the API
	// while the quota marker holds.
	ErrQuotaCooldown = errors.New("API quota cooldown active")
	// ErrThrottled is returned by callers that refuse to download while the
	// throttle marker holds for the current identity.
	ErrThrottled = errors.New("download throttle cooldown active")
)

// Kind names one of the two cooldowns.
type Kind string

const (
	KindQuota    Kind = "quota"
	KindThrottle Kind = "throttle"
)

// ParseKind accepts the operator spelling of a cooldown kind.
func ParseKind(value string) (Kind, error) {
	switch value {
	case "quota", "quota_exceeded":
		return KindQuota, nil
	case "throttle", "429", "http_429":
		return KindThrottle, nil
	default:
		return "", fmt.Errorf("unknown cooldown kind %q (want quota or throttle)", value)
	}
}

func (k Kind) marker() string {
	if k == KindQuota {
		return domain.StatQuotaExceeded
	}
	return domain.StatThrottle
}

const quotaMarked = "exceeded"

// Guard tracks the quota and throttle cooldowns. Both hold for a fixed window
// from the mark time and expire lazily on the next query.
type Guard struct {
	store  MarkerStore
	window time.Duration
	now    func() time.Time
}

func New(store MarkerStore, window time.Duration) *Guard {
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &Guard{store: store, window: window, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Guard) Window() time.Duration {
	return g.window
}

func (g *Guard) IsQuotaExhausted(ctx context.Context) (bool, error) {
	stat, active, err := g.active(ctx, KindQuota)
	if err != nil || !active {
		return false, err
	}
	log.Printf("quota exhausted since %s, holding until %s", stat.Date.Format(time.RFC3339), stat.Date.Add(g.window).Format(time.RFC3339))
	return true, nil
}

func (g *Guard) MarkQuotaExhausted(ctx context.Context) error {
	log.Printf("marking API quota exhausted for %s", g.window)
	return g.store.SetMarker(ctx, domain.StatQuotaExceeded, quotaMarked, g.now())
}

// IsThrottled reports whether downloads from identity are still in cooldown.
// A marker recorded under a different identity counts as resolved but is kept.
func (g *Guard) IsThrottled(ctx context.Context, identity string) (bool, error) {
	stat, active, err := g.active(ctx, KindThrottle)
	if err != nil || !active {
		return false, err
	}
	if stat.Value != identity {
		log.Printf("throttle marker from %s no longer applies to %s", stat.Value, identity)
		return false, nil
	}
	return true, nil
}

func (g *Guard) MarkThrottled(ctx context.Context, identity string) error {
	if identity == "" {
		identity = "unknown"
	}
	return g.store.SetMarker(ctx, domain.StatThrottle, identity, g.now())
}

// Clear drops a cooldown regardless of its age.
func (g *Guard) Clear(ctx context.Context, kind Kind) error {
	return g.store.SetMarker(ctx, kind.marker(), "", g.now())
}

func (g *Guard) active(ctx context.Context, kind Kind) (domain.Statistic, bool, error) {
	stat, ok, err := g.store.GetMarker(ctx, kind.marker())
	if err != nil {
		return domain.Statistic{}, false, fmt.Errorf("read %s marker: %w", kind, err)
	}
	if !ok || stat.Value == "" {
		return domain.Statistic{}, false, nil
	}
	if !g.now().Before(stat.Date.Add(g.window)) {
		if err := g.Clear(ctx, kind); err != nil {
			return domain.Statistic{}, false, fmt.Errorf("expire %s marker: %w", kind, err)
		}
		return domain.Statistic{}, false, nil
	}
	return stat, true, nil
}

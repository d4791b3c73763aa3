// Package installations is the boundary to the store of GitHub App
// installations. The engine only reads installations; onboarding hands a
// mirrored configuration back through Onboarder.
package installations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelsync/pkg/labels"
)

// ErrNotFound is returned when an installation is unknown
var ErrNotFound = errors.New("installation not found")

// Plan is the billing plan of an installation
type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// Installation is one GitHub App installation
type Installation struct {
	ID           int64     `json:"id"`
	Account      string    `json:"account"`
	Plan         Plan      `json:"plan"`
	PeriodEndsAt time.Time `json:"periodEndsAt"`
	Activated    bool      `json:"activated"`
}

// IsPaid reports whether the installation may run paid tasks at now
func (i Installation) IsPaid(now time.Time) bool {
	if !i.Activated || i.Plan != PlanPaid {
		return false
	}
	return i.PeriodEndsAt.IsZero() || now.Before(i.PeriodEndsAt)
}

// Store reads installations
type Store interface {
	Get(ctx context.Context, id int64) (Installation, error)
}

// Onboarder receives the configuration mirrored from a newly installed organization
type Onboarder interface {
	Onboard(ctx context.Context, installation int64, organization string, config labels.Configuration) error
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

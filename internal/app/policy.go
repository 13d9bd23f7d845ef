package app

import (
	"fmt"

	"github.com/dkeye/wschat/internal/core"
	"github.com/dkeye/wschat/internal/domain"
)

// SimplePolicy kicks any member that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, domain.ClientID, bool) core.BackpressureAction {
	return core.KickMember
}

// LenientPolicy marks a member slow on its first overflow and kicks it if the
// next broadcast overflows again. A successful send clears the mark.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ domain.RoomName, _ domain.ClientID, slow bool) core.BackpressureAction {
	if slow {
		return core.KickMember
	}
	return core.MarkSlow
}

// DropPolicy keeps slow members and skips the frames they cannot take.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomName, domain.ClientID, bool) core.BackpressureAction {
	return core.DropFrame
}

// PolicyByName maps the slow_consumer config value to a policy.
func PolicyByName(name string) (core.Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "lenient":
		return LenientPolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown slow consumer policy %q", name)
	}
}

package app

import (
	"fmt"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// BackpressureAction is what the hub does with a target whose send queue
// is full.
type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	CloseConnection
)

type Policy interface {
	OnBackpressure(identity domain.Identity, conn core.SignalConnection) BackpressureAction
}

// DropPolicy reports the failure to the sender and keeps the target.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.Identity, core.SignalConnection) BackpressureAction {
	return DropMessage
}

// ClosePolicy treats a full queue as a dead link.
type ClosePolicy struct{}

func (ClosePolicy) OnBackpressure(domain.Identity, core.SignalConnection) BackpressureAction {
	return CloseConnection
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "drop":
		return DropPolicy{}, nil
	case "close":
		return ClosePolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}

package core

import (
	"context"

	mgerr "mudgate/internal/errors"
	"mudgate/portal"
	"mudgate/util"
)

// PortalMode runs a Portal until it stops.  A reboot builds a fresh
// Portal from the same Config, so the listeners are re-bound and a
// supervised Server is respawned.
type PortalMode struct {
	Config portal.Config
	Logger *util.Logger

	// Started, when set, is called with each Portal before it runs.
	Started func(*portal.Portal)
}

// Run serves Portals until one stops without a reboot request.
func (m *PortalMode) Run(ctx context.Context) error {
	if m.Logger == nil {
		m.Logger = util.NewLogger(int(util.LogNormal))
	}
	for boots := 1; ; boots++ {
		p := portal.New(m.Config)
		if m.Started != nil {
			m.Started(p)
		}
		if boots > 1 {
			m.Logger.Info("portal %s up again (boot %d)", p.ID(), boots)
		}

		err := p.Run(ctx)
		if !mgerr.Is(err, mgerr.ErrReboot) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		m.Logger.Info("portal %s rebooting", p.ID())
	}
}

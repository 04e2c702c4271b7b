package core

import (
	"context"

	mgerr "mudgate/internal/errors"
	"mudgate/server"
	"mudgate/util"
)

// ServerMode runs one Server instance.  A restart request ends Run
// with errors.ErrRestart so the process exits with the restart code
// and whatever supervises it starts a new instance.
type ServerMode struct {
	Config server.Config
}

// Run attaches to the Portal and serves until stopped.
func (m *ServerMode) Run(ctx context.Context) error {
	if m.Config.Logger == nil {
		m.Config.Logger = util.NewLogger(int(util.LogNormal))
	}
	if m.Config.Dialer != nil {
		defer m.Config.Dialer.Close()
	}
	s := server.New(m.Config)
	err := s.Run(ctx)
	if mgerr.Is(err, mgerr.ErrRestart) {
		m.Config.Logger.Info("server %s exiting for restart", s.InstanceID())
	}
	return err
}

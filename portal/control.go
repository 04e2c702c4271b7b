package portal

import (
	"context"
	"fmt"

	"mudgate/internal/control"
	"mudgate/internal/envelope"
)

// The Portal is the control port's handler: it relays envelopes from
// the attached Server to the registry and answers launcher requests.
var _ control.PortalHandler = (*Portal)(nil)

// Attach sends the full session table to a freshly welcomed Server and
// replays every buffered envelope behind it.
func (p *Portal) Attach(l *control.Link, hello *envelope.Hello) {
	p.mu.Lock()
	p.goingDown = ""
	p.mu.Unlock()

	ps := &control.Admin{
		Op:       control.OpPortalSync,
		PortalID: p.cfg.PortalID,
		Sessions: p.registry.Snapshot(),
	}
	if err := l.SendAdmin("", ps); err != nil {
		l.Log().Warn("portal-sync: %v", err)
		return
	}
	n, err := p.registry.ResumeAll(l)
	if err != nil {
		l.Log().Warn("resume: %v", err)
	}
	l.Log().Info("server %s (%s) synced: %d sessions, %d envelopes replayed",
		hello.InstanceID, hello.LogicVersion, len(ps.Sessions), n)
}

// Detach suspends every session.  Client transports stay open.
func (p *Portal) Detach(l *control.Link, err error) {
	p.mu.Lock()
	why := p.goingDown
	p.mu.Unlock()

	n := p.registry.SuspendAll()
	switch {
	case why != "":
		l.Log().Info("server left (%s), %d sessions waiting", why, n)
	case err != nil:
		l.Log().Warn("server lost: %v, %d sessions waiting", err, n)
	default:
		l.Log().Verbose("server link closed, %d sessions waiting", n)
	}
}

// HandleEnvelope routes one envelope from the Server.
func (p *Portal) HandleEnvelope(e *envelope.Envelope) error {
	if e.Kind != envelope.KindAdmin {
		if err := p.registry.RouteOutbound(e); err != nil {
			return err
		}
		if e.Kind == envelope.KindData {
			p.metrics.BytesSent(len(e.Payload))
		}
		return nil
	}

	a, err := control.DecodeAdmin(e)
	if err != nil {
		return err
	}
	switch a.Op {
	case control.OpSessionSync:
		return p.registry.UpdateMirror(e.SessionID, a.AuthToken, a.PuppetToken)
	case control.OpGoingDown:
		p.mu.Lock()
		p.goingDown = a.Reason
		p.mu.Unlock()
		p.log.Info("server going down: %s", a.Reason)
		return nil
	default:
		return fmt.Errorf("unexpected admin op %q from server", a.Op)
	}
}

// HandleAck releases acknowledged envelopes from a session's buffer.
func (p *Portal) HandleAck(a *envelope.Ack) error {
	return p.registry.Ack(a.SessionID, a.Seq)
}

// HandleAdmin answers a launcher.  reboot and stop reply first and act
// once the launcher has been answered.
func (p *Portal) HandleAdmin(_ context.Context, req *control.Admin) (*control.Admin, func()) {
	switch req.Op {
	case control.OpStatus:
		reply := control.Reply(nil)
		reply.Status = p.Status()
		return reply, nil
	case control.OpRestart:
		return control.Reply(p.Restart(req.Reason)), nil
	case control.OpReboot:
		return control.Reply(nil), p.Reboot
	case control.OpStop:
		return control.Reply(nil), p.Stop
	default:
		return control.Reply(fmt.Errorf("unknown request %q", req.Op)), nil
	}
}

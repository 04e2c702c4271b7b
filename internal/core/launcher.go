package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"mudgate/internal/control"
	"mudgate/internal/transport"
	"mudgate/util"
)

// LauncherMode sends one ADMIN request to a running Portal and prints
// the answer.
type LauncherMode struct {
	Op      string
	Reason  string
	Addr    string
	Dialer  transport.Dialer
	Timeout time.Duration
	JSON    bool
	Out     io.Writer
	Logger  *util.Logger
}

func (m *LauncherMode) out() io.Writer {
	if m.Out != nil {
		return m.Out
	}
	return os.Stdout
}

// Run performs the request.  A Portal that answers with an error makes
// Run fail with that error.
func (m *LauncherMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	m.Logger.Verbose("sending %s to %s", m.Op, m.Addr)
	reply, err := control.Request(ctx, m.Dialer, m.Addr, &control.Admin{Op: m.Op, Reason: m.Reason}, m.Timeout)
	if err != nil {
		return err
	}

	if m.Op != control.OpStatus {
		fmt.Fprintf(m.out(), "portal: %s requested\n", m.Op)
		return nil
	}
	if reply.Status == nil {
		return fmt.Errorf("portal: status reply carried no status")
	}
	if m.JSON {
		enc := json.NewEncoder(m.out())
		enc.SetIndent("", "  ")
		return enc.Encode(reply.Status)
	}
	return PrintStatus(m.out(), reply.Status)
}

// PrintStatus writes a human-readable status report.
func PrintStatus(w io.Writer, st *control.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Portal:\t%s\n", st.PortalID)
	fmt.Fprintf(tw, "Uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(tw, "Link:\t%s\n", st.LinkState)
	if st.ServerInstance != "" {
		fmt.Fprintf(tw, "Server:\t%s (logic %s)\n", st.ServerInstance, st.LogicVersion)
	}
	fmt.Fprintf(tw, "Supervised:\t%t\n", st.Supervised)
	fmt.Fprintf(tw, "Sessions:\t%d\n", len(st.Sessions))
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(st.Sessions) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tREMOTE\tSTATE\tCONNECTED")
	for _, s := range st.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Protocol, s.RemoteAddr, s.State,
			time.Since(s.ConnectedAt).Round(time.Second))
	}
	return tw.Flush()
}

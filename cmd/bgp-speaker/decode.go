package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// runDecode decodes hex-encoded wire messages, one per line, and prints them.
// Blank lines and lines starting with '#' are skipped. It returns the process
// exit code: 0 when every message decoded, 1 otherwise.
func runDecode(args []string, stdin io.Reader, out io.Writer) int {
	var opts bgp.DecodeOptions
	var path string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--four-octet-as":
			opts.FourOctetAS = true
		case "--strict":
			opts.Strict = true
		case "--file":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		}
	}

	in := stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	failed := 0
	n := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*bgp.MaxMessageSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n++
		data, err := hex.DecodeString(strings.Join(strings.Fields(line), ""))
		if err != nil {
			fmt.Fprintf(out, "=== message %d: invalid hex: %v\n", n, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "=== message %d (%d bytes) ===\n", n, len(data))
		if err := describe(out, data, opts); err != nil {
			failed++
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func describe(out io.Writer, data []byte, opts bgp.DecodeOptions) error {
	msg, n, err := bgp.ParseMessage(data, opts)
	if err != nil {
		var ne *bgp.NotifyError
		var rn *bgp.ReceivedNotificationError
		switch {
		case errors.As(err, &rn):
			fmt.Fprintf(out, "  NOTIFICATION %s\n", rn.Notification)
			if len(rn.Notification.Data) > 0 {
				fmt.Fprintf(out, "    data: %s\n", hex.EncodeToString(rn.Notification.Data))
			}
			return nil
		case errors.As(err, &ne):
			fmt.Fprintf(out, "  error: %v\n", err)
			fmt.Fprintf(out, "  would send: %s\n", bgp.ErrorName(ne.Code, ne.Subcode))
		default:
			fmt.Fprintf(out, "  error: %v\n", err)
		}
		return err
	}
	if n < len(data) {
		fmt.Fprintf(out, "  (%d trailing bytes ignored)\n", len(data)-n)
	}

	switch m := msg.(type) {
	case *bgp.Open:
		fmt.Fprintf(out, "  OPEN version=%d asn=%d hold=%d router_id=%s\n",
			m.Version, m.PeerASN(), m.HoldTime, m.RouterID)
		describeCapabilities(out, m.Capabilities)
	case *bgp.Keepalive:
		fmt.Fprintln(out, "  KEEPALIVE")
	case *bgp.Update:
		if f, ok := m.EndOfRIB(); ok {
			fmt.Fprintf(out, "  UPDATE End-of-RIB %s\n", f)
			return nil
		}
		fmt.Fprintf(out, "  UPDATE routes=%d\n", len(m.Routes))
		if a := m.Attrs; a != nil {
			fmt.Fprintf(out, "    origin=%s as_path=%q", a.Origin, a.ASPath.String())
			if a.MED != nil {
				fmt.Fprintf(out, " med=%d", *a.MED)
			}
			if a.LocalPref != nil {
				fmt.Fprintf(out, " local_pref=%d", *a.LocalPref)
			}
			if len(a.Communities) > 0 {
				fmt.Fprintf(out, " communities=%v", a.Communities)
			}
			fmt.Fprintln(out)
		}
		for _, r := range m.Routes {
			fmt.Fprintf(out, "    %s %s\n", r.Family, r)
		}
		for _, w := range m.Warnings {
			fmt.Fprintf(out, "    warning: %s\n", w)
		}
	case *bgp.NoOp:
		fmt.Fprintf(out, "  ignored message type %d (%d body bytes)\n", m.Type, len(m.Body))
	}
	return nil
}

func describeCapabilities(out io.Writer, c bgp.Capabilities) {
	for _, f := range c.Families {
		fmt.Fprintf(out, "    capability multiprotocol %s\n", f)
	}
	if c.FourOctetAS != nil {
		fmt.Fprintf(out, "    capability four-octet-as %d\n", *c.FourOctetAS)
	}
	if c.RouteRefresh {
		fmt.Fprintln(out, "    capability route-refresh")
	}
	if c.EnhancedRouteRefresh {
		fmt.Fprintln(out, "    capability enhanced-route-refresh")
	}
	if c.CiscoRouteRefresh {
		fmt.Fprintln(out, "    capability route-refresh (cisco)")
	}
	if gr := c.GracefulRestart; gr != nil {
		fmt.Fprintf(out, "    capability graceful-restart flags=%#x time=%d families=%d\n", gr.Flags, gr.Time, len(gr.Families))
	}
	for _, u := range c.Unknown {
		fmt.Fprintf(out, "    capability unknown code=%d len=%d\n", u.Code, len(u.Value))
	}
}

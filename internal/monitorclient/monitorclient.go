// Package monitorclient is the daemon's outbound leg of the monitor
// protocol from spec §4.K: once a GUI calls init_monitor naming its
// own listening socket, the daemon dials back and pushes packet
// reports and rule-change notifications to it.
//
// Grounded on gleipnir-interface/src/lib.rs's MonitorClient service
// definition (on_packages/on_rules_updated), using rpcwire's framing in
// place of tarpc+bincode.
package monitorclient

import (
	"fmt"
	"net"
	"sync"

	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/rpcwire"
)

// Client is a connection to one GUI's monitor socket. Calls are
// serialized: the original protocol is request/response per frame, so
// concurrent callers must not interleave writes.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a monitor socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("monitorclient: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// OnPackages pushes a batch of packet reports to the monitor.
func (c *Client) OnPackages(reports []model.PackageReport) error {
	return c.call(rpcwire.MonitorCall{Op: rpcwire.MonitorOpPackages, Packages: reports})
}

// OnRulesUpdated notifies the monitor of the currently active ruleset.
func (c *Client) OnRulesUpdated(r model.Rules) error {
	return c.call(rpcwire.MonitorCall{Op: rpcwire.MonitorOpRulesUpdated, Rules: r})
}

func (c *Client) call(req rpcwire.MonitorCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rpcwire.WriteFrame(c.conn, req); err != nil {
		return fmt.Errorf("monitorclient: send %s: %w", req.Op, err)
	}
	var ack rpcwire.MonitorAck
	if err := rpcwire.ReadFrame(c.conn, &ack); err != nil {
		return fmt.Errorf("monitorclient: receive ack for %s: %w", req.Op, err)
	}
	if !ack.OK {
		return fmt.Errorf("monitorclient: %s rejected: %s", req.Op, ack.Error)
	}
	return nil
}

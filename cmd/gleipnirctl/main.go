// Command gleipnirctl is a thin admin client for gleipnird's
// control-plane socket: it unlocks (triggers polkit authorization on
// the daemon side), loads a rules file, or prints the currently active
// ruleset.
//
// Grounded on gleipnir-interface/src/unixtransport.rs's client side
// (a plain unix-socket dial, no retry/reconnect logic) and on
// rpc_server.rs's Op set, using internal/rpcwire framing directly
// instead of a generated RPC stub since the pack has no client-stub
// generator equivalent to tarpc's #[tarpc::service].
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/rpcwire"
)

const defaultSocketPath = "/var/run/gleipnird"

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "gleipnirctl",
		Short: "Admin client for gleipnird",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "gleipnird control-plane unix socket path")

	root.AddCommand(showCmd(), loadCmd(), unlockCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the currently active ruleset as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := rpcwire.WriteFrame(conn, rpcwire.Request{Op: rpcwire.OpGetRules}); err != nil {
				return err
			}
			var resp rpcwire.Response
			if err := rpcwire.ReadFrame(conn, &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("gleipnirctl: get_rules failed: %s", resp.Error)
			}
			out, err := json.MarshalIndent(resp.Rules, "", "  ")
			if err != nil {
				return fmt.Errorf("gleipnirctl: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <rules.json>",
		Short: "Unlock and push a rules file to the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("gleipnirctl: %w", err)
			}
			var rules model.Rules
			if err := json.Unmarshal(data, &rules); err != nil {
				return fmt.Errorf("gleipnirctl: parse %s: %w", args[0], err)
			}

			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := rpcwire.WriteFrame(conn, rpcwire.Request{Op: rpcwire.OpUnlock}); err != nil {
				return err
			}
			var resp rpcwire.Response
			if err := rpcwire.ReadFrame(conn, &resp); err != nil {
				return err
			}
			if !resp.Authorized {
				return fmt.Errorf("gleipnirctl: unlock denied")
			}

			if err := rpcwire.WriteFrame(conn, rpcwire.Request{Op: rpcwire.OpSetRules, Rules: rules}); err != nil {
				return err
			}
			if err := rpcwire.ReadFrame(conn, &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("gleipnirctl: set_rules rejected: %s", resp.Error)
			}
			fmt.Println("rules loaded")
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Request authorization from the daemon without changing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := rpcwire.WriteFrame(conn, rpcwire.Request{Op: rpcwire.OpUnlock}); err != nil {
				return err
			}
			var resp rpcwire.Response
			if err := rpcwire.ReadFrame(conn, &resp); err != nil {
				return err
			}
			if !resp.Authorized {
				return fmt.Errorf("gleipnirctl: unlock denied")
			}
			fmt.Println("unlocked")
			return nil
		},
	}
}

func dial() (net.Conn, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("gleipnirctl: dial %s: %w", socketPath, err)
	}
	return conn, nil
}

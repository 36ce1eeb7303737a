// Command gleipnird is the per-process firewall daemon's entrypoint
// (spec §4.O): it wires the packet thread (T1), the log fan-out (T2),
// and the control-plane RPC server (T3), and coordinates their
// lifetimes.
//
// Grounded on gleipnird/src/main.rs's main() for the wiring order
// (load rules, build the snapshot cell, bind the queue, install the
// netfilter rule, spawn the RPC thread, then block on the receive
// loop), with T2/T3 coordinated through golang.org/x/sync/errgroup
// instead of a single bare thread::spawn, and CLI flags via
// github.com/spf13/cobra instead of the original's hardcoded constant.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/googlesky/gleipnird/internal/attribution"
	"github.com/googlesky/gleipnird/internal/config"
	"github.com/googlesky/gleipnird/internal/control"
	"github.com/googlesky/gleipnird/internal/diag"
	"github.com/googlesky/gleipnird/internal/dispatcher"
	"github.com/googlesky/gleipnird/internal/logfeed"
	"github.com/googlesky/gleipnird/internal/netfilter"
	"github.com/googlesky/gleipnird/internal/polkit"
	"github.com/googlesky/gleipnird/internal/rpcserver"
	"github.com/googlesky/gleipnird/internal/rulesengine"
	"github.com/googlesky/gleipnird/internal/snapshot"
)

const defaultSocketPath = "/var/run/gleipnird"

var (
	queueID     uint16
	socketPath  string
	logChanSize int
)

// exitError carries the process exit code spec §6 assigns to the
// failure that produced it: 1 for a fatal RPC start failure, 2 for a
// netlink or queue-open failure. A plain error (e.g. from cobra's own
// flag parsing) falls back to 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:   "gleipnird",
		Short: "Per-process firewall daemon",
		RunE:  run,
	}
	root.Flags().Uint16Var(&queueID, "queue-id", 786, "netfilter queue id")
	root.Flags().StringVar(&socketPath, "socket", defaultSocketPath, "control-plane unix socket path")
	root.Flags().IntVar(&logChanSize, "log-channel-capacity", 4096, "buffered capacity of the packet log channel")

	if err := root.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func run(cmd *cobra.Command, args []string) error {
	sl := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(sl)

	store, err := config.New()
	if err != nil {
		return fmt.Errorf("gleipnird: %w", err)
	}
	rules, err := store.Load()
	if err != nil {
		return fmt.Errorf("gleipnird: load rules: %w", err)
	}

	reader, writer := snapshot.New(rulesengine.FromRules(rules))
	surface := control.New(writer, store, rules, sl)

	diagClient, err := diag.NewClient()
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("gleipnird: open netlink diag socket: %w", err)}
	}
	defer diagClient.Close()

	attr, err := attribution.New(diagClient)
	if err != nil {
		return fmt.Errorf("gleipnird: %w", err)
	}

	feed := logfeed.New(logChanSize)
	disp := dispatcher.New(reader, attr, feed, sl)

	nfConfig := nfqueue.Config{
		NfQueue:      queueID,
		MaxPacketLen: 128,
		MaxQueueLen:  1024,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}
	nf, err := nfqueue.Open(&nfConfig)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("gleipnird: open nfqueue: %w", err)}
	}
	defer nf.Close()

	if os.Geteuid() == 0 {
		if err := netfilter.Register(queueID); err != nil {
			return fmt.Errorf("gleipnird: %w", err)
		}
		installSignalCleanup(queueID)
	} else {
		sl.Warn("gleipnird: not running as root, skipping netfilter registration")
	}

	srv := rpcserver.New(socketPath, surface, polkit.NewStubAuthorizer(), sl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// T2: log fan-out. srv.Run returns only once the feed is closed, so
	// it runs on its own goroutine and this group member returns when
	// gctx is cancelled, letting g.Wait report a T3 failure.
	g.Go(func() error {
		go srv.Run(feed)
		<-gctx.Done()
		return nil
	})

	// T3: control-plane RPC server. Its failure to even start listening
	// is the fatal RPC start failure spec §6 assigns exit code 1 to.
	g.Go(func() error {
		if err := srv.Serve(); err != nil {
			return &exitError{code: 1, err: fmt.Errorf("gleipnird: rpc server: %w", err)}
		}
		return nil
	})

	// T1: the blocking packet thread. It has no cooperative points, so it
	// is driven directly by go-nfqueue's own goroutine via
	// RegisterWithErrorFunc rather than inside the errgroup; ctx
	// cancellation (triggered by a T2/T3 failure) tears it down.
	hook := func(a nfqueue.Attribute) int {
		if a.Payload == nil {
			return 0
		}
		var indev, outdev uint32
		if a.InDev != nil {
			indev = *a.InDev
		}
		if a.OutDev != nil {
			outdev = *a.OutDev
		}
		verdict, _ := disp.HandlePacket(indev, outdev, *a.Payload)
		nfVerdict := nfqueue.NfDrop
		if verdict == dispatcher.Accept {
			nfVerdict = nfqueue.NfAccept
		}
		if a.PacketID != nil {
			_ = nf.SetVerdict(*a.PacketID, nfVerdict)
		}
		return 0
	}
	errHook := func(e error) int {
		sl.Error("gleipnird: nfqueue error", "error", e)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(gctx, hook, errHook); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("gleipnird: register nfqueue hook: %w", err)}
	}

	return g.Wait()
}

// installSignalCleanup uninstalls the netfilter rule on SIGINT/SIGTERM,
// matching gleipnird/src/netfilter.rs's ctrlc handler.
func installSignalCleanup(queueID uint16) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		netfilter.Unregister(queueID)
		os.Exit(0)
	}()
}

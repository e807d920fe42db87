package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"meshd/internal/config"
	"meshd/internal/crypto"
	"meshd/internal/daemon"
	"meshd/internal/metrics"
	"meshd/internal/network"
	"meshd/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "keyinfo":
		return runKeyInfo(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshd <run|status|keyinfo> [args]")
	fmt.Fprintln(w, "  run     [--name n] [--listen ip:port] [--connect name@ip:port,...] [--transport tcp|quic] [--home dir] [--debug]")
	fmt.Fprintln(w, "  status  [--home dir] [--history n]")
	fmt.Fprintln(w, "  keyinfo --local n --remote n [--psk secret] [--devcert]")
	fmt.Fprintln(w, "environment: MESHD_NAME MESHD_LISTEN MESHD_CONNECT MESHD_TRANSPORT MESHD_PSK MESHD_HOME MESHD_DEBUG ...")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", cfg.Name, "node name")
	listen := fs.String("listen", cfg.Listen, "listen addr (host:port), empty to only dial")
	connect := fs.String("connect", strings.Join(cfg.Connect, ","), "peers to dial, name@host:port comma list")
	transport := fs.String("transport", cfg.Transport, "tcp or quic")
	home := fs.String("home", cfg.Home, "state directory")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHD_DEBUG", "1")
	}
	cfg.Name = strings.TrimSpace(*name)
	cfg.Listen = strings.TrimSpace(*listen)
	cfg.Connect = nil
	for _, p := range strings.Split(*connect, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Connect = append(cfg.Connect, p)
		}
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(*transport))
	cfg.Home = *home
	if len(cfg.PSK) == 0 {
		fmt.Fprintln(stderr, "WARNING: MESHD_PSK unset, meta-connections are not encrypted")
	}

	runner, err := daemon.NewRunner(cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		if addr, ok := <-ready; ok {
			fmt.Fprintf(stdout, "READY addr=%s name=%s transport=%s\n", addr, cfg.Name, cfg.Transport)
		}
	}()
	if err := runner.Run(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", cfg.Home, "state directory")
	history := fs.Int("history", 0, "also print the last n journaled teardowns")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg.Home = *home
	snap, err := metrics.ReadSnapshot(cfg.SnapshotPath())
	if err != nil {
		fmt.Fprintf(stdout, "status: snapshot unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "snapshot at %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintf(stdout, "  active connections: %d\n", snap.ActiveConns)
	fmt.Fprintf(stdout, "  bytes: in=%d out=%d\n", snap.Meta.BytesIn, snap.Meta.BytesOut)
	fmt.Fprintf(stdout, "  requests=%d blocks=%d rejected=%d\n", snap.Meta.Requests, snap.Meta.Blocks, snap.Meta.RequestReject)
	fmt.Fprintf(stdout, "  failures: read=%d write=%d encrypt=%d decrypt=%d closed=%d\n",
		snap.Meta.ReadErrors, snap.Meta.WriteErrors, snap.Meta.EncryptFail, snap.Meta.DecryptFail, snap.Meta.Closed)
	fmt.Fprintf(stdout, "  broadcast: sent=%d failed=%d\n", snap.Broadcast.Sent, snap.Broadcast.Failed)
	fmt.Fprintf(stdout, "  limiter: conns=%d streams=%d addrs=%d rejected=%d/%d\n",
		snap.Limiter.HeldConns, snap.Limiter.HeldStreams, snap.Limiter.Addrs,
		snap.Limiter.RejectedConns, snap.Limiter.RejectedStreams)
	kinds := make([]string, 0, len(snap.RequestsByType))
	for k := range snap.RequestsByType {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(stdout, "  %s: %d\n", k, snap.RequestsByType[k])
	}
	for _, ev := range snap.RecentTeardowns {
		fmt.Fprintf(stdout, "  closed %s (%s) at %s: %s\n", ev.Peer, ev.Hostname, ev.At.Format("15:04:05"), ev.Reason)
	}
	if *history > 0 {
		j, err := store.OpenJournal(cfg.JournalPath())
		if err != nil {
			fmt.Fprintf(stdout, "status: journal unavailable: %v\n", err)
			return 1
		}
		evs, err := j.Tail(*history)
		if err != nil {
			fmt.Fprintf(stdout, "status: journal unreadable: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "history (%d):\n", len(evs))
		for _, ev := range evs {
			fmt.Fprintf(stdout, "  %s %s (%s) in=%d out=%d: %s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Peer, ev.Hostname, ev.BytesIn, ev.BytesOut, ev.Reason)
		}
	}
	return 0
}

func runKeyInfo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keyinfo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	local := fs.String("local", os.Getenv("MESHD_NAME"), "local node name")
	remote := fs.String("remote", "", "remote node name")
	psk := fs.String("psk", os.Getenv("MESHD_PSK"), "pre-shared key")
	devCert := fs.Bool("devcert", false, "also print the QUIC dev certificate")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	send, err := crypto.PairFingerprint([]byte(*psk), *local, *remote)
	if err != nil {
		fmt.Fprintf(stderr, "keyinfo: %v\n", err)
		return 1
	}
	recv, err := crypto.PairFingerprint([]byte(*psk), *remote, *local)
	if err != nil {
		fmt.Fprintf(stderr, "keyinfo: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s -> %s key=%s\n", *local, *remote, send)
	fmt.Fprintf(stdout, "%s -> %s key=%s\n", *remote, *local, recv)
	if *devCert {
		pem, err := network.DevCertPEM()
		if err != nil {
			fmt.Fprintf(stderr, "keyinfo: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(pem)
	}
	return 0
}

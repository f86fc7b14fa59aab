package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/history"
	"github.com/route-beacon/bgp-speaker/internal/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// bgp-dump prints the route events journaled by bgp-speaker.
//
// Usage: bgp-dump [--config <path>] [--timeout <seconds>] [--raw] [--four-octet-as]
func main() {
	var (
		configPath  string
		showRaw     bool
		fourOctetAS bool
	)
	timeout := 10 * time.Second
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--timeout":
			if i+1 < len(args) {
				secs, err := strconv.Atoi(args[i+1])
				if err != nil || secs <= 0 {
					fmt.Fprintf(os.Stderr, "invalid --timeout %q\n", args[i+1])
					os.Exit(1)
				}
				timeout = time.Duration(secs) * time.Second
				i++
			}
		case "--raw":
			showRaw = true
		case "--four-octet-as":
			fourOctetAS = true
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tls config: %v\n", err)
		os.Exit(1)
	}

	consumer, err := kafka.NewEventConsumer(
		cfg.Kafka.Brokers,
		fmt.Sprintf("bgp-dump-%d", time.Now().UnixNano()),
		[]string{cfg.Kafka.Topic},
		cfg.Kafka.ClientID+"-dump",
		cfg.Kafka.FetchMaxBytes,
		true,
		tlsCfg,
		cfg.Kafka.BuildSASLMechanism(),
		zap.NewNop(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgNum := 0
	consumer.Run(ctx, func(rec *kgo.Record) {
		msgNum++
		fmt.Printf("=== event %d (partition=%d offset=%d key=%s) ===\n",
			msgNum, rec.Partition, rec.Offset, rec.Key)
		printEvent(rec.Value, showRaw, bgp.DecodeOptions{FourOctetAS: fourOctetAS})
		fmt.Println()
	})

	fmt.Printf("Total events: %d\n", msgNum)
}

func printEvent(data []byte, showRaw bool, opts bgp.DecodeOptions) {
	var ev history.RouteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Printf("  invalid event: %v\n", err)
		return
	}
	fmt.Printf("  %s peer=%s (%s, AS%d) %s %s\n",
		ev.Time.Format(time.RFC3339Nano), ev.Peer, ev.PeerAddress, ev.PeerASN, ev.Action, ev.Prefix)
	if ev.Action == "A" {
		fmt.Printf("  next_hop=%s origin=%s as_path=%q\n", ev.NextHop, ev.Origin, ev.ASPath)
		if ev.MED != nil {
			fmt.Printf("  med=%d\n", *ev.MED)
		}
		if ev.LocalPref != nil {
			fmt.Printf("  local_pref=%d\n", *ev.LocalPref)
		}
		if len(ev.Communities) > 0 {
			fmt.Printf("  communities=%v\n", ev.Communities)
		}
	}
	if !showRaw || len(ev.Raw) == 0 {
		return
	}

	body, err := history.DecodeRaw(&ev)
	if err != nil {
		fmt.Printf("  raw decode error: %v\n", err)
		return
	}
	upd, err := bgp.DecodeUpdate(body, opts)
	if err != nil {
		fmt.Printf("  UPDATE decode error: %v\n", err)
		return
	}
	fmt.Printf("  raw UPDATE: %d bytes, %d routes\n", len(body), len(upd.Routes))
	for _, r := range upd.Routes {
		fmt.Printf("    %s\n", r)
	}
	for _, w := range upd.Warnings {
		fmt.Printf("    warning: %s\n", w)
	}
}

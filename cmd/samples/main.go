package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	dir := flag.String("dir", "", "If set, overrides paths.samples")
	validate := flag.Bool("validate", false, "Decode the training window and validate every sample")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Paths.Samples = *dir
	}

	st, err := store.ComputeStats(context.Background(), cfg.Paths.Samples)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("dir:        %s\n", cfg.Paths.Samples)
	fmt.Printf("shards:     %d\n", st.Shards)
	fmt.Printf("samples:    %d\n", st.Samples)
	fmt.Printf("mean value: %.4f\n", st.MeanValue)
	fmt.Printf("outcomes:   +%d =%d -%d\n", st.Wins, st.Draws, st.Losses)

	if *validate {
		window, err := store.LoadWindow(cfg.Paths.Samples, cfg.Samples.QueueSize)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("window:     %d of %d samples ok\n", len(window), cfg.Samples.QueueSize)
	}
}

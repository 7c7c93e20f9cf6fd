package main

import (
	"testing"

	"github.com/Ian2x/cs426-ddp/config"
)

func TestTrainFlagsOverrideOnlyWhenSet(t *testing.T) {
	root := &rootFlags{}
	cmd := trainCmd(root)
	if err := cmd.ParseFlags([]string{"--epochs", "7", "--strategy", "TREE", "--etcd-endpoints", "a:2379,b:2379"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.BatchSize = 32 // as if loaded from a config file
	o := cmd.Flags()
	epochs, _ := o.GetInt("epochs")
	if epochs != 7 {
		t.Fatalf("flag not parsed, got %d", epochs)
	}

	var parsed config.Train
	parsed.Epochs = 7
	parsed.Strategy = "TREE"
	parsed.Rendezvous.EtcdEndpoints = []string{"a:2379", "b:2379"}
	overrideChanged(cmd.Flags(), &cfg, &parsed)

	if cfg.Epochs != 7 || cfg.Strategy != "TREE" {
		t.Errorf("set flags were not applied: %+v", cfg)
	}
	if len(cfg.Rendezvous.EtcdEndpoints) != 2 {
		t.Errorf("expected 2 etcd endpoints, got %v", cfg.Rendezvous.EtcdEndpoints)
	}
	if cfg.BatchSize != 32 {
		t.Errorf("unset flag overwrote batch size: %d", cfg.BatchSize)
	}
	if cfg.LR != config.Default().LR {
		t.Errorf("unset flag changed lr: %v", cfg.LR)
	}
}

func TestLogConfigOverrides(t *testing.T) {
	f := &rootFlags{logLevel: "debug"}
	cfg := f.logConfig(config.Default().Log)
	if cfg.Level != "debug" || cfg.Format != config.Default().Log.Format {
		t.Errorf("unexpected log config %+v", cfg)
	}
}

func TestRootHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"train", "launch", "status"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

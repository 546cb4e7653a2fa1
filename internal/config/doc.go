// Package config provides configuration parsing for the nest tools.
//
// The configuration is stored in nest.json in the working directory.
// This package handles loading, saving, and validating configuration.
//
// # Configuration File Structure
//
//	{
//	  "remote": {"url": "ws://localhost:7070/ws"},
//	  "queue": {"delay": "20ms", "maxPending": 100},
//	  "cancelDelay": "250ms",
//	  "descriptors": "subs.json",
//	  "serve": {"addr": ":7070", "seed": "seed.json"},
//	  "metrics": {"addr": ":9090"},
//	  "snapshot": {
//	    "dir": "snapshots",
//	    "s3": {"bucket": "nest-snapshots", "region": "us-east-1"}
//	  }
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := nest.New(client, nest.Config{Queue: cfg.Batch()})
package config

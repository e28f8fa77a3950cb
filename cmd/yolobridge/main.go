package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/server"
)

func main() {
	parser := argparse.NewParser("yolobridge", "Run YOLO models on images and camera frames, over HTTP")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path (JSON). If empty, defaults are used", Default: ""})
	listen := parser.String("l", "listen", &argparse.Options{Help: "Override the listen address of the config, eg :8090", Default: ""})
	assets := parser.String("", "assets", &argparse.Options{Help: "Override the directory of bundled models", Default: ""})
	internal := parser.String("", "internal", &argparse.Options{Help: "Override the directory that internal:// model paths refer to", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	if *configFile != "" {
		c, err := server.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		cfg = *c
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *assets != "" {
		cfg.Dirs.Assets = *assets
	}
	if *internal != "" {
		cfg.Dirs.Internal = *internal
	}

	srv := server.NewServerWithConfig(logger, cfg, nil)
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		logger.Close()
		os.Exit(1)
	}
	// Wait for a signal-initiated shutdown to finish
	srv.Shutdown()
	logger.Infof("Exiting")
	logger.Close()
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fmnx/tunstack/engine"
	"github.com/fmnx/tunstack/log"
)

var (
	configFile  string
	Version     = "unknown"
	BuildDate   = "unknown"
	BuildType   = "DEV"
	showVersion bool
)

func init() {
	pflag.StringVarP(&configFile, "config", "c", "./config.json", "")
	pflag.BoolVarP(&showVersion, "version", "v", false, "")

	pflag.Usage = func() {
		fmt.Println("Tunstack - userspace TCP/IP stack on a frame device")
		fmt.Println("Usage:")
		fmt.Printf("  -c,--config\tSpecify the path to the config file, JSON or YAML.(default: \"./config.json\")\n")
		fmt.Printf("  -v,--version\tDisplay the current binary file version.\n")
	}
}

func main() {
	pflag.Parse()
	if showVersion {
		printVersion()
		return
	}

	cfg, err := parseConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to parse config file: %v", err)
	}

	if err := engine.Start(cfg); err != nil {
		log.Fatalf("[ENGINE] failed to start: %v", err)
	}
	defer engine.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("[ENGINE] %s received, shutting down", sig)
}

func printVersion() {
	fmt.Printf("BuildType: %s\nTunstackVersion: %s\nBuildDate: %s\n",
		BuildType, Version, BuildDate)
}

// Command syuinkd is the minimal daemon wiring around the syuink library:
// parse a handful of flags, load or create the peer's config, run a node
// until interrupted. CLI parsing stays intentionally thin — it exists only
// to call the library, the same way the teacher's main.go resolves a peer
// directory and calls internal/app.Run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/syuink/node"

	"github.com/syuink/node/internal/config"
)

var appVersion = "dev"

func main() {
	peerDir := flag.String("peer-dir", ".", "directory holding this peer's config and identity files")
	name := flag.String("name", "", "display name advertised to the rendezvous (defaults to the node id)")
	gateway := flag.Bool("gateway", false, "advertise and act as a gateway node")
	deviceType := flag.String("device-type", "server", "device type advertised to the rendezvous")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("syuinkd %s\n", appVersion)
		return
	}

	absDir, err := filepath.Abs(*peerDir)
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "syuink.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	n, err := syuink.Start(ctx, syuink.Options{
		PeerDir:    absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		Name:       *name,
		OS:         runtimeOS(),
		AppVersion: appVersion,
		DeviceType: *deviceType,
		IsGateway:  *gateway,
	})
	if err != nil {
		log.Fatalf("start node: %v", err)
	}
	defer n.Close()

	log.Printf("node %s online: overlay ip %s, socks5 port %d", n.ID(), n.AllocatedIP(), n.Socks5Port())

	if err := n.Wait(); err != nil {
		log.Fatalf("node stopped: %v", err)
	}
}

func runtimeOS() string {
	return runtime.GOOS
}

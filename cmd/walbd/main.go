// Command walbd is the WALB attach daemon: it formats or attaches one L/D
// device pair and serves the admin control channel over gRPC until told to
// shut down.
//
// Structurally this mirrors the teacher's server/main.go: flag-parsed
// startup config, a standard logger configured once in main, a pprof
// goroutine, a grpc.Server started in its own goroutine, and a
// signal.Notify-driven graceful shutdown.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/walbd/walb/admin"
	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/engine"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/walbconfig"
)

func main() {
	logDevPath := flag.String("log-device", "", "path to the log device (L)")
	dataDevPath := flag.String("data-device", "", "path to the data device (D)")
	dataDevSize := flag.Int64("data-device-size", 0, "size in bytes of the data device, required with -format and a regular file")
	listenAddr := flag.String("listen", ":7878", "admin gRPC listen address")
	format := flag.Bool("format", false, "format a fresh device pair instead of attaching an existing one")
	ringBufferSectors := flag.Uint64("ring-buffer-sectors", 1<<20, "log ring buffer size in sectors, used with -format")
	checkpointIntervalMs := flag.Uint("checkpoint-interval-ms", 30000, "checkpoint loop interval in milliseconds")
	pprofAddr := flag.String("pprof", ":6060", "pprof listen address, empty disables it")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)

	if *logDevPath == "" || *dataDevPath == "" {
		log.Fatalf("walbd: -log-device and -data-device are required")
	}

	cfg := walbconfig.Default(*logDevPath, *dataDevPath)
	cfg.RingBufferSize = *ringBufferSectors
	cfg.CheckpointIntervalMs = uint32(*checkpointIntervalMs)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("walbd: invalid configuration: %v", err)
	}

	ringStart := logformat.RingStartSector(cfg.SectorSize, uint32(cfg.SnapshotMetadataSize))
	logDevSize := int64(ringStart+cfg.RingBufferSize) * int64(cfg.SectorSize)

	logDev, err := blockdev.Open(*logDevPath, logDevSize, *format)
	if err != nil {
		log.Fatalf("walbd: failed to open log device %s: %v", *logDevPath, err)
	}
	dataDev, err := blockdev.Open(*dataDevPath, *dataDevSize, *format)
	if err != nil {
		log.Fatalf("walbd: failed to open data device %s: %v", *dataDevPath, err)
	}

	var dev *engine.Device
	if *format {
		log.Printf("walbd: formatting %s / %s", *logDevPath, *dataDevPath)
		dev, err = engine.Format(cfg, logDev, dataDev)
	} else {
		log.Printf("walbd: attaching %s / %s", *logDevPath, *dataDevPath)
		dev, err = engine.Attach(cfg, logDev, dataDev)
	}
	if err != nil {
		log.Fatalf("walbd: failed to bring up device: %v", err)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("walbd: starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("walbd: pprof server error: %v", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("walbd: failed to listen on %s: %v", *listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	admin.RegisterAdminServer(grpcServer, dev.Admin())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("walbd: panic in server goroutine: %v", r)
			}
		}()
		log.Printf("walbd: admin channel listening on %s", *listenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("walbd: failed to serve: %v", err)
		}
	}()

	<-sigChan
	log.Println("walbd: shutting down gracefully...")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		log.Println("walbd: graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	if err := dev.Close(); err != nil {
		log.Printf("walbd: error detaching device: %v", err)
	}
	log.Println("walbd: stopped")
}

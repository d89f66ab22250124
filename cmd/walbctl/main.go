// Command walbctl is the admin control-channel client: it dials a running
// walbd's gRPC admin port and issues one command per invocation.
//
// Structurally this mirrors the teacher's client/main.go: grpc.NewClient
// with insecure transport credentials, a context.WithTimeout around the
// single RPC, and no CLI-framework dependency — the pack carries no cobra
// or urfave/cli, so subcommand dispatch is a plain switch over os.Args[1]
// the way the teacher dispatches nothing more than one call per binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/walbd/walb/admin"
)

const defaultTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", "localhost:7878", "walbd admin address")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	run(*addr, flag.Arg(0), flag.Args()[1:])
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: walbctl [-addr host:port] <command> [args...]

commands:
  get-oldest-lsid
  get-written-lsid
  get-permanent-lsid
  get-completed-lsid
  set-oldest-lsid <lsid>
  get-log-usage
  get-log-capacity
  is-log-overflow
  take-checkpoint
  get-checkpoint-interval
  set-checkpoint-interval <ms>
  create-snapshot <name> <lsid>
  delete-snapshot <name>
  delete-snapshot-range <begin> <end>
  get-snapshot <name>
  num-snapshot-range <begin> <end>
  list-snapshot-range <begin> <end> <limit>
  resize <new-size-lbs>
  clear-log
  freeze <timeout-sec>
  melt
  is-frozen
  version
  get-geo`)
}

func dial(addr string) (*admin.Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("walbctl: failed to connect to %s: %w", addr, err)
	}
	return admin.NewClient(conn), nil
}

func run(addr, command string, args []string) {
	client, err := dial(addr)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	switch command {
	case "get-oldest-lsid":
		printU64(client.GetOldestLSID(ctx))
	case "get-written-lsid":
		printU64(client.GetWrittenLSID(ctx))
	case "get-permanent-lsid":
		printU64(client.GetPermanentLSID(ctx))
	case "get-completed-lsid":
		printU64(client.GetCompletedLSID(ctx))
	case "set-oldest-lsid":
		target := parseU64(args, 0, "lsid")
		fatalIf(client.SetOldestLSID(ctx, target))
		fmt.Println("ok")
	case "get-log-usage":
		printU64(client.GetLogUsage(ctx))
	case "get-log-capacity":
		printU64(client.GetLogCapacity(ctx))
	case "is-log-overflow":
		printBool(client.IsLogOverflow(ctx))
	case "take-checkpoint":
		fatalIf(client.TakeCheckpoint(ctx))
		fmt.Println("ok")
	case "get-checkpoint-interval":
		ms, err := client.GetCheckpointIntervalMs(ctx)
		fatalIf(err)
		fmt.Println(ms)
	case "set-checkpoint-interval":
		ms := parseU32(args, 0, "ms")
		fatalIf(client.SetCheckpointIntervalMs(ctx, ms))
		fmt.Println("ok")
	case "create-snapshot":
		requireArgs(args, 2, "create-snapshot <name> <lsid>")
		lsidVal := parseU64(args, 1, "lsid")
		fatalIf(client.CreateSnapshot(ctx, args[0], lsidVal))
		fmt.Println("ok")
	case "delete-snapshot":
		requireArgs(args, 1, "delete-snapshot <name>")
		fatalIf(client.DeleteSnapshot(ctx, args[0]))
		fmt.Println("ok")
	case "delete-snapshot-range":
		begin, end := parseRange(args)
		n, err := client.DeleteSnapshotRange(ctx, begin, end)
		fatalIf(err)
		fmt.Println(n)
	case "get-snapshot":
		requireArgs(args, 1, "get-snapshot <name>")
		rec, err := client.GetSnapshot(ctx, args[0])
		fatalIf(err)
		fmt.Printf("lsid=%d timestamp=%d name=%s\n", rec.LSID, rec.Timestamp, rec.NameString())
	case "num-snapshot-range":
		begin, end := parseRange(args)
		n, err := client.NumSnapshotRange(ctx, begin, end)
		fatalIf(err)
		fmt.Println(n)
	case "list-snapshot-range":
		begin, end := parseRange(args)
		limit := int(parseU32(args, 2, "limit"))
		entries, next, hasMore, err := client.ListSnapshotRange(ctx, begin, end, limit)
		fatalIf(err)
		for _, e := range entries {
			fmt.Printf("%d\t%s\n", e.LSID, e.Name)
		}
		if hasMore {
			fmt.Printf("next=%d\n", next)
		}
	case "resize":
		newSize := parseU64(args, 0, "new-size-lbs")
		fatalIf(client.Resize(ctx, newSize))
		fmt.Println("ok")
	case "clear-log":
		fatalIf(client.ClearLog(ctx))
		fmt.Println("ok")
	case "freeze":
		timeoutSec := parseU32(args, 0, "timeout-sec")
		fatalIf(client.Freeze(ctx, timeoutSec))
		fmt.Println("ok")
	case "melt":
		fatalIf(client.Melt(ctx))
		fmt.Println("ok")
	case "is-frozen":
		printBool(client.IsFrozen(ctx))
	case "version":
		v, err := client.Version(ctx)
		fatalIf(err)
		fmt.Println(v)
	case "get-geo":
		geo, err := client.GetGeo(ctx)
		fatalIf(err)
		fmt.Printf("%+v\n", geo)
	default:
		usage()
		os.Exit(2)
	}
}

func requireArgs(args []string, n int, usageLine string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "walbctl: usage: %s\n", usageLine)
		os.Exit(2)
	}
}

func parseU64(args []string, i int, name string) uint64 {
	requireArgs(args, i+1, fmt.Sprintf("<%s>", name))
	v, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		log.Fatalf("walbctl: invalid %s %q: %v", name, args[i], err)
	}
	return v
}

func parseU32(args []string, i int, name string) uint32 {
	return uint32(parseU64(args, i, name))
}

func parseRange(args []string) (uint64, uint64) {
	requireArgs(args, 2, "<begin> <end>")
	return parseU64(args, 0, "begin"), parseU64(args, 1, "end")
}

func fatalIf(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func printU64(v uint64, err error) {
	fatalIf(err)
	fmt.Println(v)
}

func printBool(v bool, err error) {
	fatalIf(err)
	fmt.Println(v)
}

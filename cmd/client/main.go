package main

import (
	"flag"
	"fmt"
	"log"
	"net/rpc"
	"os"

	"github.com/epokhe/caskdb/cmd/remote"
)

var addr = flag.String("addr", "localhost:1729", "server address")

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  client [-addr host:port] get <key>\n")
	fmt.Fprintf(os.Stderr, "  client [-addr host:port] set <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  client [-addr host:port] del <key>\n")
	os.Exit(1)
}

func dial() *rpc.Client {
	client, err := rpc.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to dial rpc: %v\n", err)
	}
	return client
}

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) < 2 {
		usage()
	}

	action := args[0]

	switch action {
	case "get":
		if len(args) != 2 {
			usage()
		}

		var val string
		if err := dial().Call("DB.Get", &remote.GetArgs{Key: args[1]}, &val); err != nil {
			log.Fatalf("failed to get the key: %v\n", err)
		}
		fmt.Println(val)

	case "set":
		if len(args) != 3 {
			usage()
		}

		var reply struct{}
		if err := dial().Call("DB.Put", &remote.PutArgs{Key: args[1], Val: args[2]}, &reply); err != nil {
			log.Fatalf("failed to set the key: %v\n", err)
		}
		fmt.Println("done")

	case "del":
		if len(args) != 2 {
			usage()
		}

		var existed bool
		if err := dial().Call("DB.Delete", &remote.DeleteArgs{Key: args[1]}, &existed); err != nil {
			log.Fatalf("failed to delete the key: %v\n", err)
		}
		fmt.Println(existed)

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		usage()
	}
}

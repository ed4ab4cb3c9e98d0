// Command pagedkv-cli is the store's interactive front-end: a readline REPL
// for put/get/delete/cursor/transaction commands, one-shot command-line
// mode for scripting, and the store's /metrics endpoint when telemetry is
// enabled in the config file.
//
// Ground: cmd/gojodb_cli/main.go's interactive-vs-one-shot main() branch and
// processCommand(args []string) string-switch dispatcher — that CLI talks
// to a remote cluster over HTTP; this one talks directly to an in-process
// kv.Store, so performDataRequest/performAdminRequest/getClusterStatus (and
// everything admin/cluster-shaped) have no counterpart here. The
// github.com/chzyer/readline dependency the teacher's go.mod names but its
// checked-in CLI never imports is wired in for real below.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/kv"
	"github.com/pagedkv/pagedkv/pkg/config"
)

func main() {
	dbPath := ""
	cfgPath := ""
	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-config":
			if len(args) < 2 {
				fmt.Fprintln(os.Stderr, "Error: -config requires a path.")
				os.Exit(1)
			}
			cfgPath = args[1]
			args = args[2:]
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown flag %s.\n", args[0])
			os.Exit(1)
		}
	}
	if len(args) > 0 {
		dbPath = args[0]
		args = args[1:]
	}

	cfg := config.Config{PageSize: 16384, CacheCapacityBytes: 64 * 1024 * 1024}
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	store, err := kv.Open(dbPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	repl := &repl{store: store}

	if len(args) > 0 {
		repl.processCommand(args)
		return
	}

	rl, err := readline.New("pagedkv> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("pagedkv CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nExiting pagedkv CLI.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if repl.processCommand(strings.Fields(line)) {
			return
		}
	}
}

// repl holds the state a sequence of REPL commands shares: the store itself
// and, once "begin" has been issued, the open transaction that subsequent
// commands apply to instead of the store directly.
type repl struct {
	store *kv.Store
	tx    *kv.Txn
}

// processCommand dispatches one command, either from interactive input or
// one-shot command-line arguments, mirroring processCommand's shape in the
// teacher's CLI. It returns true when the command requests the REPL exit.
func (r *repl) processCommand(args []string) bool {
	if len(args) == 0 {
		fmt.Println("Error: no command provided.")
		return false
	}

	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Println("Error: put requires a key and a value.")
			return false
		}
		r.put(args[1], strings.Join(args[2:], " "))
	case "get":
		if len(args) < 2 {
			fmt.Println("Error: get requires a key.")
			return false
		}
		r.get(args[1])
	case "delete":
		if len(args) < 2 {
			fmt.Println("Error: delete requires a key.")
			return false
		}
		r.delete(args[1])
	case "begin":
		r.begin()
	case "commit":
		r.commit()
	case "abort":
		r.abort()
	case "scan":
		r.scan()
	case "status":
		r.status()
	case "help":
		printHelp()
	case "exit", "quit":
		fmt.Println("Exiting pagedkv CLI.")
		return true
	default:
		fmt.Println("Error: unknown command. Type 'help' for a list of commands.")
	}
	return false
}

func (r *repl) put(key, value string) {
	if r.tx != nil {
		if err := r.tx.Put([]byte(key), []byte(value)); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("OK (buffered in transaction)")
		return
	}
	if err := r.store.Put([]byte(key), []byte(value)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *repl) get(key string) {
	var (
		value []byte
		err   error
	)
	if r.tx != nil {
		value, err = r.tx.Get([]byte(key))
	} else {
		value, err = r.store.Get([]byte(key))
	}
	switch {
	case kverrors.Is(err, kverrors.KeyNotFound):
		fmt.Println("NOT_FOUND")
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	default:
		fmt.Printf("%s\n", value)
	}
}

func (r *repl) delete(key string) {
	if r.tx != nil {
		if err := r.tx.Delete([]byte(key)); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("OK (buffered in transaction)")
		return
	}
	if err := r.store.Delete([]byte(key)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *repl) begin() {
	if r.tx != nil {
		fmt.Println("Error: a transaction is already open.")
		return
	}
	r.tx = r.store.Begin()
	fmt.Println("OK (transaction open)")
}

func (r *repl) commit() {
	if r.tx == nil {
		fmt.Println("Error: no open transaction.")
		return
	}
	err := r.tx.Commit()
	r.tx = nil
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK (committed)")
}

func (r *repl) abort() {
	if r.tx == nil {
		fmt.Println("Error: no open transaction.")
		return
	}
	err := r.tx.Abort()
	r.tx = nil
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK (aborted)")
}

// scan walks the merged view in ascending key order, printing every key
// and value it visits (spec §1's "ordered iteration").
func (r *repl) scan() {
	var cursor *kv.Cursor
	if r.tx != nil {
		cursor = r.tx.Cursor()
	} else {
		cursor = r.store.NewCursor()
	}
	defer cursor.Close()

	key, value, err := cursor.First()
	for err == nil {
		fmt.Printf("%s = %s\n", key, value)
		key, value, err = cursor.Next()
	}
	if !kverrors.Is(err, kverrors.KeyNotFound) && !kverrors.Is(err, kverrors.CursorIsNil) {
		fmt.Printf("Error: %v\n", err)
	}
}

func (r *repl) status() {
	fetched, flushed, freelistHits, freelistMisses, byType := r.store.Metrics()
	fmt.Println("Page manager:")
	fmt.Println("  fetched:          " + strconv.FormatInt(fetched, 10))
	fmt.Println("  flushed:          " + strconv.FormatInt(flushed, 10))
	fmt.Println("  freelist hits:    " + strconv.FormatInt(freelistHits, 10))
	fmt.Println("  freelist misses:  " + strconv.FormatInt(freelistMisses, 10))
	for t, n := range byType {
		fmt.Printf("  allocated[%s]: %d\n", t, n)
	}
	if r.tx != nil {
		fmt.Println("Transaction: open")
	} else {
		fmt.Println("Transaction: none")
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>")
	fmt.Println("  get <key>")
	fmt.Println("  delete <key>")
	fmt.Println("  begin")
	fmt.Println("  commit")
	fmt.Println("  abort")
	fmt.Println("  scan")
	fmt.Println("  status")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
	fmt.Println()
	fmt.Println("Run with a single positional argument to open a file-backed store")
	fmt.Println("instead of an in-memory one: pagedkv-cli [-config file.yaml] [path]")
	fmt.Println("Metrics are served at /metrics when telemetry.enabled is set in the config file.")
}

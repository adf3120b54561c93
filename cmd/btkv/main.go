package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"btkv/internal/index/btree"

	"github.com/go-logr/stdr"
	"github.com/spf13/afero"
)

func main() {
	dbPath := flag.String("db", "btkv.db", "database file path")
	size := flag.Uint64("size", 128*1024*1024, "preallocated database size in bytes when creating")
	verbosity := flag.Int("v", 0, "log verbosity (0 = quiet)")
	flag.Parse()

	stdr.SetVerbosity(*verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	fs := afero.NewOsFs()

	exists, err := afero.Exists(fs, *dbPath)
	if err != nil {
		log.Fatalf("failed to stat %s: %v", *dbPath, err)
	}

	var db *btree.DB
	if exists {
		db, err = btree.Open(fs, *dbPath, btree.WithLogger(logger))
		if err != nil {
			log.Fatalf("failed to open %s: %v", *dbPath, err)
		}
		fmt.Printf("opened %s\n", *dbPath)
	} else {
		db, err = btree.Create(fs, *dbPath, *size, btree.WithLogger(logger))
		if err != nil {
			log.Fatalf("failed to create %s: %v", *dbPath, err)
		}
		fmt.Printf("created %s (%d bytes)\n", *dbPath, *size)
	}
	defer db.Close()

	fmt.Println("btkv REPL. Type .help for commands.")
	runREPL(db)
}

func runREPL(db *btree.DB) {
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("btkv> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nExiting.")
				return
			}
			fmt.Println("Read error:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			if handleMetaCommand(line, db) {
				return
			}
			continue
		}

		handleCommand(line, db)
	}
}

// handleMetaCommand processes commands like .exit, .help.
// Returns true if the REPL should exit.
func handleMetaCommand(line string, db *btree.DB) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case ".exit", ".quit":
		fmt.Println("Bye.")
		return true
	case ".dump":
		if err := db.Dump(os.Stdout); err != nil {
			fmt.Println("Dump error:", err)
		}
	case ".stats":
		s := db.Stats()
		fmt.Printf("reads=%d writes=%d\n", s.Reads, s.Writes)
	case ".help":
		fmt.Println("Commands:")
		fmt.Println("  set <key> <value>   Store a value under a key")
		fmt.Println("  get <key>           Look a key up")
		fmt.Println("  del <key>           Delete a key")
		fmt.Println("Meta commands:")
		fmt.Println("  .dump    Print the tree")
		fmt.Println("  .stats   Print page I/O counters")
		fmt.Println("  .help    Show this help")
		fmt.Println("  .exit    Exit the REPL")
	default:
		fmt.Printf("Unknown meta command: %s\n", line)
	}
	return false
}

func handleCommand(line string, db *btree.DB) {
	parts := strings.SplitN(line, " ", 3)
	switch strings.ToLower(parts[0]) {
	case "set":
		if len(parts) < 3 {
			fmt.Println("Usage: set <key> <value>")
			return
		}
		if err := db.Insert([]byte(parts[1]), []byte(parts[2])); err != nil {
			fmt.Println("Error:", err)
			return
		}
		fmt.Println("OK")
	case "get":
		if len(parts) < 2 {
			fmt.Println("Usage: get <key>")
			return
		}
		val, ok, err := db.Search([]byte(parts[1]))
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(val))
	case "del":
		if len(parts) < 2 {
			fmt.Println("Usage: del <key>")
			return
		}
		if err := db.Delete([]byte(parts[1])); err != nil {
			fmt.Println("Error:", err)
			return
		}
		fmt.Println("OK")
	default:
		fmt.Printf("Unknown command: %s (try .help)\n", parts[0])
	}
}

// Command weave is a CLI sync client keeping a local notes file in step
// with a Sync 1.5 storage server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/restmachine/weavesync/sync15"
)

// ---- config store ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "weavesync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "weavesync")
}

func notesPath() string { return filepath.Join(cfgDir(), "notes.json") }
func ksyncPath() string { return filepath.Join(cfgDir(), "ksync") }
func statePath() string { return filepath.Join(cfgDir(), "state.json") }

func saveKSync(ksyncB64 string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	return os.WriteFile(ksyncPath(), []byte(ksyncB64), 0o600)
}

func loadRootKey(flagValue string) (*sync15.KeyBundle, error) {
	ksync := flagValue
	if ksync == "" {
		b, err := os.ReadFile(ksyncPath())
		if err != nil {
			return nil, fmt.Errorf("no sync key; run keygen or pass -ksync: %w", err)
		}
		ksync = strings.TrimSpace(string(b))
	}
	return sync15.KeyBundleFromKSyncB64(ksync)
}

func loadState() string {
	b, err := os.ReadFile(statePath())
	if err != nil {
		return ""
	}
	return string(b)
}

func saveState(state string) {
	_ = os.MkdirAll(cfgDir(), 0o700)
	_ = os.WriteFile(statePath(), []byte(state), 0o600)
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `weave CLI
Usage:
  weave [-tokenserver URL] [-token TOKEN] [-ksync KEY] <cmd> [args]

Commands:
  version
  keygen                                (generates and saves a sync key)
  add        -text <note> [-id <uuid>]
  rm         -id <uuid>
  list
  sync                                  (needs -tokenserver and -token)
  wipe-remote                           (deletes ALL server-side data)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the local notes store and the server.
func main() {
	// global flags
	tokenserver := flag.String("tokenserver", "http://localhost:8090/token", "tokenserver URL")
	token := flag.String("token", "", "account access token")
	ksync := flag.String("ksync", "", "urlsafe-base64 sync key (default: saved keygen output)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("weave %s (%s)\n", version, buildDate)

	case "keygen":
		buf := make([]byte, 64)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			fail(err)
		}
		encoded := base64.RawURLEncoding.EncodeToString(buf)
		if err := saveKSync(encoded); err != nil {
			fail(err)
		}
		fmt.Println("sync key written to", ksyncPath())

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		text := fs.String("text", "", "note text")
		id := fs.String("id", "", "note id (uuid, optional)")
		_ = fs.Parse(flag.Args()[1:])
		if *text == "" {
			fmt.Fprintln(os.Stderr, "need -text")
			os.Exit(1)
		}
		if *id == "" {
			uid, _ := u.NewV4()
			*id = uid.String()
		}

		store, err := openNotesStore(notesPath())
		if err != nil {
			fail(err)
		}
		store.Add(sync15.Guid(*id), *text)
		if err := store.save(); err != nil {
			fail(err)
		}
		fmt.Println(*id)

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		id := fs.String("id", "", "note id (uuid)")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		store, err := openNotesStore(notesPath())
		if err != nil {
			fail(err)
		}
		if !store.Remove(sync15.Guid(*id)) {
			fmt.Fprintln(os.Stderr, "no such note")
			os.Exit(1)
		}
		if err := store.save(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "list":
		store, err := openNotesStore(notesPath())
		if err != nil {
			fail(err)
		}
		printJSON(store.List())

	case "sync":
		if *token == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		rootKey, err := loadRootKey(*ksync)
		if err != nil {
			fail(err)
		}
		store, err := openNotesStore(notesPath())
		if err != nil {
			fail(err)
		}

		persisted := loadState()
		memCached := &sync15.MemoryCachedState{}
		result := sync15.SyncMultiple(ctx,
			[]sync15.Store{store},
			&persisted,
			memCached,
			sync15.StorageClientInit{
				TokenserverURL: *tokenserver,
				AccessToken:    *token,
				HTTPClient:     http.DefaultClient,
			},
			rootKey,
			sync15.SyncRequestInfo{IsUserAction: true},
			logger,
		)
		saveState(persisted)

		fmt.Println("status:", result.ServiceStatus)
		for name, engineErr := range result.EngineResults {
			if engineErr != nil {
				fmt.Printf("engine %s: %v\n", name, engineErr)
			}
		}
		if result.Err != nil {
			fail(result.Err)
		}

	case "wipe-remote":
		if *token == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		tokens, err := sync15.NewTokenserverClient(http.DefaultClient, logger, *tokenserver, *token)
		if err != nil {
			fail(err)
		}
		client := sync15.NewStorageClient(http.DefaultClient, logger, tokens)
		if err := client.WipeAll(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/celerix-dev/celerix-ledger/internal/backup"
	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/config"
	"github.com/celerix-dev/celerix-ledger/internal/engine"
	"github.com/celerix-dev/celerix-ledger/internal/observability"
	"github.com/celerix-dev/celerix-ledger/internal/vault"
	"github.com/celerix-dev/celerix-ledger/pkg/sdk"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	switch command {
	case "SIGNIN", "SIGNOUT":
		if len(args) < 1 {
			log.Fatalf("Usage: ledger %s <name>", command)
		}
		ledger := openLedger(cfg)
		defer ledger.Close()
		name := strings.Join(args, " ")
		var out sdk.DayLog
		if command == "SIGNIN" {
			out, err = ledger.SignIn(name)
		} else {
			out, err = ledger.SignOut(name)
		}
		if err != nil {
			log.Fatal(err)
		}
		if out.Changed != nil && !*out.Changed {
			fmt.Fprintf(os.Stderr, "%s has not signed in today; nothing recorded\n", name)
		}
		printJSON(out)

	case "TODAY":
		ledger := openLedger(cfg)
		defer ledger.Close()
		out, err := ledger.Today()
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "PING":
		client, err := sdk.Connect(tcpAddr(cfg))
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		if err := client.Ping(); err != nil {
			log.Fatal(err)
		}
		fmt.Println("PONG")

	case "DAY":
		if len(args) < 3 {
			log.Fatal("Usage: ledger DAY <year> <month> <day>")
		}
		y, m, d := atoi(args[0]), atoi(args[1]), atoi(args[2])
		store, err := engine.NewPersistence(cfg.Ledger.DataDir, nil)
		if err != nil {
			log.Fatal(err)
		}
		records, err := store.Load(y, m, d)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(records)

	case "DAYS":
		store, err := engine.NewPersistence(cfg.Ledger.DataDir, nil)
		if err != nil {
			log.Fatal(err)
		}
		days, err := store.Days()
		if err != nil {
			log.Fatal(err)
		}
		for _, d := range days {
			size := "?"
			if fi, err := os.Stat(store.PathFor(d)); err == nil {
				size = humanize.Bytes(uint64(fi.Size()))
			}
			fmt.Printf("%s  %8s  %s\n", d.Key(), size, store.PathFor(d))
		}

	case "BUCKETS":
		client := newClient(cfg)
		buckets, err := client.ListBuckets(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		printJSON(buckets)

	case "BACKUP":
		if len(args) < 1 {
			log.Fatal("Usage: ledger BACKUP <path>")
		}
		logger := newLogger(cfg)
		defer logger.Sync()

		p := newPipeline(cfg, logger)
		res, err := p.Run(context.Background(), args[0], func(s backup.State) {
			logger.Debug("backup state", zap.String("state", string(s)))
		})
		if res != nil && res.CleanupErr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", res.CleanupErr)
		}
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Uploaded %s (%s) to bucket %s as %s\n",
			res.File.Name, humanize.Bytes(uint64(res.File.Size)), res.Artifact.BucketID, res.File.ID)

	case "DECRYPT":
		if len(args) < 3 {
			log.Fatal("Usage: ledger DECRYPT <crypt-file> <bucket-id> <file-name> [out]")
		}
		out := strings.TrimSuffix(args[0], backup.CryptSuffix)
		if len(args) > 3 {
			out = args[3]
		}
		if out == args[0] {
			log.Fatal("Output path equals input; pass [out] explicitly")
		}
		key, err := vault.DeriveFileKey(credentials(cfg).Identity(), args[1], args[2])
		if err != nil {
			log.Fatal(err)
		}
		n, err := vault.DecryptFile(args[0], out, key)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Wrote %s (%s)\n", out, humanize.Bytes(uint64(n)))

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Ledger CLI - Inspect day files and run backups")
	fmt.Println("\nUsage:")
	fmt.Println("  ledger SIGNIN <name>")
	fmt.Println("  ledger SIGNOUT <name>")
	fmt.Println("  ledger TODAY")
	fmt.Println("  ledger PING")
	fmt.Println("  ledger DAY <year> <month> <day>")
	fmt.Println("  ledger DAYS")
	fmt.Println("  ledger BUCKETS")
	fmt.Println("  ledger BACKUP <path>")
	fmt.Println("  ledger DECRYPT <crypt-file> <bucket-id> <file-name> [out]")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  LEDGER_DATA_DIR       Day file directory (default: ./json)")
	fmt.Println("  LEDGER_TCP_ADDR       Daemon line protocol address; unset writes day files directly")
	fmt.Println("  BACKUP_DRIVER         http or dir (default: http)")
	fmt.Println("  BACKUP_ENDPOINT       Remote store URL for the http driver")
	fmt.Println("  BACKUP_DIR            Bucket root for the dir driver")
	fmt.Println("  BACKUP_BUCKET         Bucket name or id")
	fmt.Println("  BACKUP_ACCOUNT_ID     Backup account id")
	fmt.Println("  BACKUP_ACCOUNT_KEY    Backup account key")
}

// openLedger talks to the daemon when it is reachable. Otherwise events are
// written here and each changed day file is backed up before the command
// returns.
func openLedger(cfg *config.Config) sdk.Ledger {
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger(cfg)

	opts := []sdk.Option{
		sdk.WithBookOptions(engine.WithLocation(loc)),
		sdk.WithLogger(logger),
	}
	switch {
	case !cfg.Backup.Enabled:
	case !cfg.HasCredentials():
		logger.Warn("backup credentials missing, backups skipped")
	default:
		opts = append(opts, sdk.WithBackup(newPipeline(cfg, logger)))
	}

	ledger, err := sdk.New(cfg.Ledger.DataDir, opts...)
	if err != nil {
		log.Fatal(err)
	}
	return ledger
}

func newPipeline(cfg *config.Config, logger *zap.Logger) *backup.Pipeline {
	return backup.NewPipeline(newClient(cfg), backup.Config{
		Credentials: credentials(cfg),
		Bucket:      cfg.Backup.Bucket,
		Root:        cfg.Ledger.DataDir,
		Timeout:     cfg.Backup.Timeout,
	}, logger)
}

func tcpAddr(cfg *config.Config) string {
	if cfg.Server.TCPAddr == "" {
		log.Fatal("LEDGER_TCP_ADDR is not set")
	}
	return cfg.Server.TCPAddr
}

func newClient(cfg *config.Config) backup.BucketClient {
	if cfg.Backup.Driver == "dir" {
		dc, err := bucket.NewDirClient(cfg.Backup.Dir)
		if err != nil {
			log.Fatal(err)
		}
		return dc
	}
	if cfg.Backup.Endpoint == "" {
		log.Fatal("BACKUP_ENDPOINT is not set")
	}
	return bucket.NewHTTPClient(cfg.Backup.Endpoint, credentials(cfg), nil)
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Log.Level,
		Format: "console",
	})
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func credentials(cfg *config.Config) bucket.Credentials {
	return bucket.Credentials{AccountID: cfg.Backup.AccountID, Key: cfg.Backup.AccountKey}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("Not a number: %q", s)
	}
	return n
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}

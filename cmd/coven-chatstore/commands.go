// ABOUTME: One-shot subcommands: migrate, inspect, token and health
// ABOUTME: Each loads the same config file as serve

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-chatstore/internal/auth"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// runMigrate opens the store, which imports the legacy log when configured,
// prints the report and closes with a final flush.
func runMigrate(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	st, _ := newStore(cfg, logger)
	report, err := st.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if err := st.Close(ctx); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	if report == nil || report.Source == "" {
		fmt.Println("no legacy log configured")
		return nil
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// runInspect reports what the store holds and whether it is fully on disk.
func runInspect(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	st, _ := newStore(cfg, logger)
	if _, err := st.Open(ctx); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close(context.Background())

	count, err := st.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	before := st.Dirty()
	if err := st.Flush(ctx); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}

	fmt.Printf("engine:    %s\n", cfg.Database.Engine)
	fmt.Printf("path:      %s\n", cfg.Database.Path)
	fmt.Printf("messages:  %s\n", humanize.Comma(int64(count)))
	fmt.Printf("durable:   %t\n", st.Durable())
	fmt.Printf("flushed:   %s pending mutations\n", humanize.Comma(before))
	fmt.Printf("dirty:     %s\n", humanize.Comma(st.Dirty()))
	if cfg.Database.Path != "" {
		if info, err := os.Stat(cfg.Database.Path); err == nil {
			fmt.Printf("size:      %s\n", humanize.Bytes(uint64(info.Size())))
		}
	}
	return nil
}

// runToken issues a bearer token for a uid. Supports "--uid 7", "--uid=7"
// and the same forms of --ttl.
func runToken(args []string) error {
	var uidRaw, ttlRaw string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--uid" || arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			if arg == "--uid" {
				uidRaw = args[i+1]
			} else {
				ttlRaw = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--uid="):
			uidRaw = strings.TrimPrefix(arg, "--uid=")
		case strings.HasPrefix(arg, "--ttl="):
			ttlRaw = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if uidRaw == "" {
		return fmt.Errorf("--uid flag is required")
	}
	uid, err := strconv.ParseInt(uidRaw, 10, 64)
	if err != nil || uid <= 0 {
		return fmt.Errorf("--uid must be a positive integer")
	}
	ttl := defaultTokenTTL
	if ttlRaw != "" {
		if ttl, err = time.ParseDuration(ttlRaw); err != nil || ttl <= 0 {
			return fmt.Errorf("--ttl must be a positive duration")
		}
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Generate(uid, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// cmd/import/main.go
// 拍卖事件导入工具 - 从 JSON 文件回放拍卖事件 (推入接入队列或直接写库)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"skyflip/internal/config"
	"skyflip/internal/ingest"
	"skyflip/internal/model"
	"skyflip/internal/pkg/logger"
	"skyflip/internal/pkg/redisqueue"
)

// EventImportFile JSON 导入文件结构
type EventImportFile struct {
	Events []model.ListingEvent `json:"events"`
}

func main() {
	// 命令行参数
	configFile := flag.String("config", "", "config file path")
	file := flag.String("file", "", "JSON file path (required)")
	dryRun := flag.Bool("dry-run", false, "Dry run mode (validate only)")
	direct := flag.Bool("direct", false, "Apply events to the database instead of pushing them to the queue")
	flag.Parse()

	if *file == "" {
		fmt.Println("Usage: import -file <json_file> [-config <config>] [-direct] [-dry-run]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -file     JSON file path")
		fmt.Println("  -config   config file path (MySQL / Redis / ingest queue)")
		fmt.Println("  -direct   write to MySQL directly (default: push to the ingest queue)")
		fmt.Println("  -dry-run  Dry run mode (default: false)")
		fmt.Println()
		fmt.Println("JSON file format:")
		fmt.Println(`{
  "events": [
    {"type": "upsert", "listing": {"uuid": "a1", "tag": "HYPERION", "item_name": "Hyperion",
      "tier": "LEGENDARY", "starting_bid": 900000000, "bin": true,
      "start": "2026-03-01T10:00:00Z", "end": "2026-03-02T10:00:00Z", "seller_id": "s1"}},
    {"type": "sold", "uuid": "a1", "price": 900000000, "buyer": "b1", "at": "2026-03-01T11:00:00Z"},
    {"type": "expired", "uuid": "a2", "at": "2026-03-01T12:00:00Z"}
  ]
}`)
		os.Exit(1)
	}

	_ = godotenv.Load()

	// 读取 JSON 文件
	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read file: %v", err)
	}

	var importFile EventImportFile
	if err := json.Unmarshal(data, &importFile); err != nil {
		log.Fatalf("Failed to parse JSON: %v", err)
	}

	fmt.Printf("Loaded %d events from %s\n", len(importFile.Events), *file)

	if *dryRun {
		fmt.Println("\n[DRY RUN MODE - No changes will be made]")
		var invalid int
		for i := range importFile.Events {
			ev := &importFile.Events[i]
			if err := ev.Validate(); err != nil {
				fmt.Printf("  %d. [INVALID] %v\n", i+1, err)
				invalid++
				continue
			}
			fmt.Printf("  %d. %s %s\n", i+1, ev.Type, ev.ListingUUID())
		}
		fmt.Printf("\nSummary: %d valid, %d invalid\n", len(importFile.Events)-invalid, invalid)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slogger := logger.New(logger.Config{Level: "warn"})
	ctx := context.Background()

	var apply func(ctx context.Context, ev *model.ListingEvent) (bool, error)
	if *direct {
		// 直接写库
		db, err := model.InitDB(&cfg.MySQL, slogger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		apply = ingest.New(db, nil, cfg.Ingest, slogger).Apply
	} else {
		// 推入接入队列
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		queue, err := redisqueue.NewClient(rdb, cfg.Ingest.Queue)
		if err != nil {
			log.Fatalf("Failed to create queue: %v", err)
		}
		apply = func(ctx context.Context, ev *model.ListingEvent) (bool, error) {
			if err := ev.Validate(); err != nil {
				return false, err
			}
			return true, queue.Push(ctx, ev)
		}
	}

	// 导入数据
	var applied, skipped, failed int
	for i := range importFile.Events {
		ev := &importFile.Events[i]
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}

		ok, err := apply(ctx, ev)
		switch {
		case errors.Is(err, model.ErrInvalidEvent):
			fmt.Printf("  [SKIP] #%d: %v\n", i+1, err)
			skipped++
		case err != nil:
			fmt.Printf("  [FAIL] %s %s: %v\n", ev.Type, ev.ListingUUID(), err)
			failed++
		case !ok:
			fmt.Printf("  [SKIP] %s %s (no active listing)\n", ev.Type, ev.ListingUUID())
			skipped++
		default:
			applied++
		}
	}

	fmt.Printf("\nSummary: %d applied, %d skipped, %d failed\n", applied, skipped, failed)
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pior/mcbp"
)

// fileConfig is the YAML shape of the --config file.
type fileConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Bucket    string   `yaml:"bucket"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "127.0.0.1:11210", "data service address (host:port)")
	username := flag.String("username", "Administrator", "cluster username")
	password := flag.String("password", "password", "cluster password")
	bucket := flag.String("bucket", "default", "bucket to select")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	cfg := fileConfig{
		Addresses: []string{*addr},
		Username:  *username,
		Password:  *password,
		Bucket:    *bucket,
	}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Printf("Failed to read config: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fmt.Printf("Failed to parse config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Printf("Failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}

	origin, err := mcbp.NewOrigin(cfg.Username, cfg.Password, cfg.Addresses...)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	client, err := mcbp.NewClient(origin, mcbp.ClientConfig{
		ClientID: "mcbp-cli",
		Bucket:   cfg.Bucket,
		Logger:   logger,
		NewCircuitBreaker: mcbp.NewCircuitBreakerConfig(
			3, 30*time.Second, 10*time.Second),
	})
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println("MCBP CLI Tool")
	fmt.Println("=============")
	fmt.Println("Commands: get <key>, set <key> <value> [ttl], remove <key>, incr <key> <delta>, stats, quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}

		ctx := context.Background()
		switch strings.ToLower(parts[0]) {
		case "get":
			if len(parts) != 2 {
				fmt.Println("Usage: get <key>")
				continue
			}
			handleGet(ctx, client, parts[1])

		case "set":
			if len(parts) < 3 || len(parts) > 4 {
				fmt.Println("Usage: set <key> <value> [ttl_seconds]")
				continue
			}
			ttl := time.Duration(0)
			if len(parts) == 4 {
				ttlSecs, err := strconv.Atoi(parts[3])
				if err != nil {
					fmt.Printf("Invalid TTL: %v\n", err)
					continue
				}
				ttl = time.Duration(ttlSecs) * time.Second
			}
			handleSet(ctx, client, parts[1], parts[2], ttl)

		case "remove":
			if len(parts) != 2 {
				fmt.Println("Usage: remove <key>")
				continue
			}
			if err := client.Remove(ctx, parts[1], 0); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Println("OK")

		case "incr":
			if len(parts) != 3 {
				fmt.Println("Usage: incr <key> <delta>")
				continue
			}
			delta, err := strconv.ParseUint(parts[2], 10, 64)
			if err != nil {
				fmt.Printf("Invalid delta: %v\n", err)
				continue
			}
			value, _, err := client.Increment(ctx, parts[1], delta, delta, mcbp.NoTTL)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Printf("%d\n", value)

		case "stats":
			stats := client.Stats()
			fmt.Printf("gets=%d hits=%d stores=%d removes=%d counters=%d errors=%d\n",
				stats.Gets, stats.GetHits, stats.Stores, stats.Removes, stats.Counters, stats.Errors)

		case "quit", "exit":
			return

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}

func handleGet(ctx context.Context, client *mcbp.Client, key string) {
	item, err := client.Get(ctx, key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if !item.Found {
		fmt.Println("(not found)")
		return
	}
	fmt.Printf("%s (cas=%d flags=%d)\n", item.Value, item.Cas, item.Flags)
}

func handleSet(ctx context.Context, client *mcbp.Client, key, value string, ttl time.Duration) {
	cas, err := client.Upsert(ctx, mcbp.Item{Key: key, Value: []byte(value), TTL: ttl})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK (cas=%d)\n", cas)
}

// Command stress_test fires concurrent purchases from distinct visitors at a
// running server and checks that exactly the available stock was sold.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/seckill/internal/adapter/handler"
)

type counters struct {
	accepted    atomic.Int32
	soldOut     atomic.Int32
	reserved    atomic.Int32
	rateLimited atomic.Int32
	other       atomic.Int32
}

func main() {
	var (
		httpAddr    = flag.String("http", "http://localhost:8080", "server HTTP base URL")
		grpcAddr    = flag.String("grpc", "", "server gRPC address; when set purchases go over gRPC")
		redisAddr   = flag.String("redis", "localhost:6379", "redis address used to read the remaining stock")
		productID   = flag.Int64("product", 1, "product to buy")
		requests    = flag.Int("n", 500, "number of distinct visitors")
		concurrency = flag.Int("c", 100, "concurrent requests in flight")
	)
	flag.Parse()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	stockKey := "seckill:stock:" + strconv.FormatInt(*productID, 10)

	initial, err := rdb.Get(ctx, stockKey).Int()
	if err != nil {
		log.Fatalf("failed to read stock for product %d: %v", *productID, err)
	}

	buy := httpBuyer(*httpAddr, *productID)
	if *grpcAddr != "" {
		cc, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatalf("failed to dial grpc: %v", err)
		}
		defer cc.Close()
		buy = grpcBuyer(handler.NewClient(cc), *productID)
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()
	for i := 0; i < *requests; i++ {
		visitor := fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff)
		g.Go(func() error {
			buy(gctx, visitor, &c)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	final, _ := rdb.Get(ctx, stockKey).Int()
	accepted := int(c.accepted.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initial)
	fmt.Printf("Visitors:         %d\n", *requests)
	fmt.Printf("Accepted:         %d\n", accepted)
	fmt.Printf("Sold Out:         %d\n", c.soldOut.Load())
	fmt.Printf("Already Reserved: %d\n", c.reserved.Load())
	fmt.Printf("Rate Limited:     %d\n", c.rateLimited.Load())
	fmt.Printf("Other:            %d\n", c.other.Load())
	fmt.Printf("Final Stock:      %d\n", final)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	want := min(initial, *requests)
	if accepted == want && final == initial-accepted {
		fmt.Printf("PASS: %d orders accepted, no oversell\n", accepted)
	} else {
		fmt.Printf("FAIL: expected %d accepted and stock %d, got %d and %d\n",
			want, initial-want, accepted, final)
	}
}

type buyer func(ctx context.Context, visitor string, c *counters)

// httpBuyer gives every visitor its own forwarded address so the server sees
// distinct identities.
func httpBuyer(base string, productID int64) buyer {
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second)
	path := fmt.Sprintf("/api/seckill/%d/buy", productID)

	var once sync.Once
	return func(ctx context.Context, visitor string, c *counters) {
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("X-Forwarded-For", visitor).
			Post(path)
		if err != nil {
			once.Do(func() { log.Printf("request failed: %v", err) })
			c.other.Add(1)
			return
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			c.accepted.Add(1)
		case http.StatusGone:
			c.soldOut.Add(1)
		case http.StatusConflict:
			c.reserved.Add(1)
		case http.StatusTooManyRequests:
			c.rateLimited.Add(1)
		default:
			c.other.Add(1)
		}
	}
}

func grpcBuyer(client *handler.Client, productID int64) buyer {
	return func(ctx context.Context, visitor string, c *counters) {
		resp, err := client.Purchase(ctx, visitor, productID)
		switch {
		case handler.IsRateLimited(err):
			c.rateLimited.Add(1)
		case err != nil:
			c.other.Add(1)
		case resp.Success:
			c.accepted.Add(1)
		case resp.Message == "sold out":
			c.soldOut.Add(1)
		case resp.Message == "already purchased":
			c.reserved.Add(1)
		default:
			c.other.Add(1)
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pagepipe/pagepipe"
	"github.com/pagepipe/pagepipe/mysql"
	"github.com/pagepipe/pagepipe/pdfrast"
	"github.com/pagepipe/pagepipe/rediscache"
	"github.com/pagepipe/pagepipe/sqlite"
	"github.com/pagepipe/pagepipe/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/pagepipe?loc=UTC&parseTime=true"
	)

	// .env values act as defaults for the flags below.
	_ = godotenv.Load()

	var (
		addr        = flag.String("addr", envOr("PAGEPIPE_ADDR", "127.0.0.1:12345"), "HTTP bind address")
		dbtype      = flag.String("dbtype", envOr("PAGEPIPE_DBTYPE", "memory"), "Storage type (memory, mysql or sqlite)")
		dburl       = flag.String("dburl", envOr("PAGEPIPE_DBURL", ""), "MySQL dsn or SQLite path, e.g. "+exampleDBURL)
		dbdebug     = flag.Bool("dbdebug", false, "Enable debug output for DB store")
		redisAddr   = flag.String("redis", envOr("PAGEPIPE_REDIS", ""), "Redis address for a shared result cache (empty for in-memory)")
		docRoot     = flag.String("docroot", envOr("PAGEPIPE_DOCROOT", ""), "Directory holding source PDFs (empty to simulate conversions)")
		outDir      = flag.String("out", envOr("PAGEPIPE_OUT", ".pages"), "Directory receiving page artifacts")
		concurrency = flag.Int("c", 3, "maximum number of parallel conversions")
		cacheTTL    = flag.Duration("cache-ttl", 24*time.Hour, "TTL for cached results")
		runTime     = flag.Duration("run-time", 5*time.Second, "maximum run time of a simulated conversion")
		failureRate = flag.Float64("failure-rate", 0.05, "failure rate of simulated conversions in the interval [0.0,1.0]")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the store
	var err error
	var store pagepipe.Store
	switch *dbtype {
	case "mysql":
		if *dburl == "" {
			log.Fatal("specify a database connection string with -dburl like e.g. " + exampleDBURL)
		}
		var dboptions []mysql.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, mysql.SetDebug(true))
		}
		store, err = mysql.NewStore(*dburl, dboptions...)
	case "sqlite":
		if *dburl == "" {
			log.Fatal("specify a database file with -dburl, e.g. pagepipe.db")
		}
		store, err = sqlite.NewStore(*dburl)
	case "memory":
	default:
		log.Fatal("unsupported dbtype; use memory, mysql or sqlite")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the cache
	var cache pagepipe.Cache
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis unavailable at %s: %v", *redisAddr, err)
		}
		cache = rediscache.New(client)
	}

	// Initialize the rasterizer
	var rast pagepipe.Rasterizer
	if *docRoot != "" {
		rast = pdfrast.New(*docRoot, *outDir)
	} else {
		rast = simulatedRasterizer(*runTime, *failureRate)
	}

	// Initialize the scheduler
	options := []pagepipe.SchedulerOption{
		pagepipe.SetRasterizer(rast),
		pagepipe.SetConcurrency(*concurrency),
		pagepipe.SetCacheTTL(*cacheTTL),
	}
	if store != nil {
		options = append(options, pagepipe.SetStore(store))
	}
	if cache != nil {
		options = append(options, pagepipe.SetCache(cache))
	}
	s := pagepipe.New(options...)
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		errc <- server.New(s).Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// simulatedRasterizer fakes conversions with a random duration and
// failure rate, stepping through the conversion stages so the live UI
// has something to show.
func simulatedRasterizer(runTime time.Duration, failureRate float64) pagepipe.Rasterizer {
	runTimeNanos := runTime.Nanoseconds()
	return pagepipe.RasterizerFunc(func(ctx context.Context, documentID string, progress pagepipe.ProgressFunc) (*pagepipe.Result, error) {
		stages := []pagepipe.Stage{
			pagepipe.StageExtractingPages,
			pagepipe.StageProcessingPages,
			pagepipe.StageUploadingPages,
			pagepipe.StageFinalizing,
		}
		step := time.Duration(rand.Int63n(runTimeNanos)) / time.Duration(len(stages))
		for _, stage := range stages {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step):
			}
			progress(stage, -1)
		}
		if rand.Float64() < failureRate {
			return nil, fmt.Errorf("simulated conversion failure for %s", documentID)
		}
		pages := 1 + rand.Intn(40)
		return &pagepipe.Result{
			Key:       "pages/" + documentID,
			PageCount: pages,
			SizeBytes: int64(pages) * 64 * 1024,
			CreatedAt: time.Now(),
		}, nil
	})
}

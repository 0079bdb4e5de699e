// Command bench runs a synthetic Zipfian workload against the cache and
// exposes a Prometheus metrics endpoint and an optional pprof endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachelab/blockcache/cache"
	"github.com/cachelab/blockcache/internal/util"
	pmet "github.com/cachelab/blockcache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		capacity = flag.Int64("cap", 100_000, "cache capacity (charge units)")
		shardBits = flag.Int("shard_bits", cache.AutoShardBits, "log2(shard count); negative = auto")
		highPriRatio = flag.Float64("hp_ratio", 0.2, "high-priority pool ratio [0,1]")
		strict   = flag.Bool("strict", false, "strict capacity limit (pinned inserts reject instead of admitting over budget)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		lookupPct = flag.Int("lookups", 80, "lookup percentage [0..100]; remainder are inserts")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	metrics := pmet.New(nil, "blockcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	opt := cache.NewOptions[string, string](*capacity)
	opt.NumShardBits = *shardBits
	opt.HighPriPoolRatio = *highPriRatio
	opt.StrictCapacityLimit = *strict
	opt.Metrics = metrics
	c, err := cache.New(opt)
	if err != nil {
		log.Fatal(err)
	}

	pl := *preload
	if pl == 0 {
		pl = int(*capacity / 2)
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		c.InsertNoHandle(k, util.Hash32(k), "v"+strconv.Itoa(i), 1, nil, cache.Low)
	}

	lookupPctVal := *lookupPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var lookups, inserts, hits, misses, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				k := keyByZipf()
				hash := util.Hash32(k)
				if int(localR.Int31n(100)) < lookupPctVal {
					atomic.AddUint64(&lookups, 1)
					if h := c.Lookup(k, hash); h != nil {
						atomic.AddUint64(&hits, 1)
						c.Release(h, false)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&inserts, 1)
					c.InsertNoHandle(k, hash, "v"+strconv.Itoa(localR.Int()), 1, nil, cache.Low)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := atomic.LoadUint64(&total)
	lookupsN := atomic.LoadUint64(&lookups)
	insertsN := atomic.LoadUint64(&inserts)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if lookupsN > 0 {
		hitRate = float64(hitsN) / float64(lookupsN) * 100
	}

	fmt.Printf("cap=%d shard_bits=%d hp_ratio=%.2f strict=%v workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, *shardBits, *highPriRatio, *strict, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  lookups=%d  inserts=%d\n",
		ops, float64(ops)/elapsed.Seconds(), lookupsN, insertsN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
	fmt.Printf("usage=%d  pinned=%d  shards=%d\n", c.GetUsage(), c.GetPinnedUsage(), c.NumShards())
}

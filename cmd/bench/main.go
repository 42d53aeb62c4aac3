package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// bench drives an admin node with metadata writes, metadata reads and
// log fan-outs, and reports throughput by response status.
func main() {
	addr := flag.String("addr", "http://localhost:8081", "admin listener address")
	n := flag.Int("n", 2000, "iterations")
	conc := flag.Int("c", 16, "concurrency")
	logEvery := flag.Int("logs", 10, "issue a log fan-out every N iterations (0 disables)")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		mu       sync.Mutex
		statuses = map[string]int{}
		ops      int
	)
	record := func(resp *http.Response, err error) {
		key := "error"
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			key = resp.Status
		}
		mu.Lock()
		statuses[key]++
		ops++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(*conc)
	start := time.Now()
	for i := 0; i < *n; i++ {
		g.Go(func() error {
			id := uuid.New()
			body := fmt.Sprintf(`{%q:{"name":"bench-%d"}}`, id.String(), i)
			record(client.Post(*addr+"/ajax/semilattice/databases", "application/json", bytes.NewBufferString(body)))
			record(client.Get(*addr + "/ajax/semilattice/databases/" + id.String() + "/name"))
			if *logEvery > 0 && i%*logEvery == 0 {
				record(client.Get(*addr + "/ajax/log/_?max_length=10"))
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	fmt.Printf("Completed %d ops in %s (%.2f ops/s)\n", ops, dur, float64(ops)/dur.Seconds())
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, statuses[k])
	}
}

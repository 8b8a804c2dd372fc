// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// view-loadgen drives article reads against a running viewcounter-api.
//
// Every request is a GET /articles/{id} carrying a session cookie drawn from a
// pool of -visitors sessions, so repeat visits exercise the unique-view gate.
// Article ids follow a deterministic hot/cold skew: -hot_every-1 of every
// -hot_every requests hit the hot article, the rest round-robin over
// -cold_articles others.
//
// Usage:
//
//	view-loadgen -base=http://127.0.0.1:8080 -n=20000 -c=16 -visitors=5000
//	view-loadgen -base=http://127.0.0.1:8080 -hot=1 -cold_articles=200 -flush
//
// With -flush a POST /admin/flush is sent to the ops listener (-ops) at the
// end and the cycle report is
// printed next to the counted views, which gives the observed write reduction.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type flushReport struct {
	Rows  int   `json:"rows"`
	Views int64 `json:"views"`
}

type result struct {
	sent, counted, failed atomic.Int64
}

func main() {
	var (
		base        = flag.String("base", "http://127.0.0.1:8080", "Base URL of the viewcounter API")
		ops         = flag.String("ops", "http://127.0.0.1:9090", "Base URL of the ops listener serving /admin/flush")
		cookie      = flag.String("cookie", "sessionid", "Session cookie name")
		hot         = flag.Int64("hot", 1, "Hot article id")
		coldN       = flag.Int("cold_articles", 50, "Number of cold articles (ids hot+1..hot+n)")
		hotEvery    = flag.Int("hot_every", 5, "Skew period: hot_every-1 of this many requests go to the hot article (minimum 2)")
		visitors    = flag.Int("visitors", 1000, "Distinct session ids to rotate through")
		n           = flag.Int("n", 5000, "Total requests to send")
		conc        = flag.Int("c", 8, "Concurrent workers")
		flush       = flag.Bool("flush", false, "Trigger a flush cycle when done and print its report")
		timeout     = flag.Duration("timeout", 30*time.Second, "Overall timeout for the run")
		idleTimeout = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle     = flag.Int("max_idle", 256, "Max idle connections per host")
	)
	flag.Parse()

	if *n <= 0 || *conc <= 0 || *visitors <= 0 || *coldN <= 0 || *hot <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c, -visitors, -cold_articles and -hot must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}
	baseURL := strings.TrimRight(*base, "/")

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        *maxIdle,
			MaxIdleConnsPerHost: *maxIdle,
			IdleConnTimeout:     *idleTimeout,
		},
		Timeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var res result
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	per := *n / *conc
	for w := 0; w < *conc; w++ {
		w := w
		count := per
		if w == *conc-1 {
			count += *n - per**conc
		}
		g.Go(func() error {
			for i := 0; i < count; i++ {
				if gctx.Err() != nil {
					return nil
				}
				seq := w*per + i
				article := *hot
				if seq%*hotEvery == 0 {
					article = *hot + int64(seq%*coldN) + 1
				}
				session := "lg-" + strconv.Itoa(seq%*visitors)
				view(gctx, client, baseURL, article, *cookie, session, &res)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	fmt.Printf("LoadGen: N=%d c=%d sent=%d counted=%d failed=%d duration=%s throughput=%.0f req/s\n",
		*n, *conc, res.sent.Load(), res.counted.Load(), res.failed.Load(),
		elapsed.Truncate(time.Millisecond), float64(res.sent.Load())/elapsed.Seconds())

	if !*flush {
		return
	}
	rep, err := triggerFlush(ctx, client, strings.TrimRight(*ops, "/"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}
	reduction := 0.0
	if c := res.counted.Load(); c > 0 {
		reduction = 1 - float64(rep.Rows)/float64(c)
	}
	fmt.Printf("Flush: rows=%d views=%d write_reduction=%.4f\n", rep.Rows, rep.Views, reduction)
}

func view(ctx context.Context, client *http.Client, base string, article int64, cookie, session string, res *result) {
	u := base + "/articles/" + strconv.FormatInt(article, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		res.failed.Add(1)
		return
	}
	req.AddCookie(&http.Cookie{Name: cookie, Value: session})
	res.sent.Add(1)
	resp, err := client.Do(req)
	if err != nil {
		res.failed.Add(1)
		// Brief backoff so a down server is not hammered in a hot loop.
		time.Sleep(200 * time.Microsecond)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		res.failed.Add(1)
	}
	if resp.Header.Get("X-View-Counted") == "1" {
		res.counted.Add(1)
	}
}

func triggerFlush(ctx context.Context, client *http.Client, base string) (flushReport, error) {
	var rep flushReport
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/flush", nil)
	if err != nil {
		return rep, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return rep, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return rep, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return rep, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/health"
	"github.com/srediag/shmchan/pkg/lifecycle"
	"github.com/srediag/shmchan/pkg/shm"
)

var cmdMain = &cobra.Command{
	Use:               "shmchan",
	Short:             "Move byte messages between processes over shared memory channels",
	PersistentPreRunE: setup,
	Run:               printUsageAndExit1,
	SilenceUsage:      true,
}

var flagMain struct {
	Segment   string
	WriterSem string
	ReaderSem string
	Dir       string
	Capacity  int
	Admin     string
	LogLevel  int
}

var (
	registry = prometheus.NewRegistry()
	metrics  = shm.NewMetrics(registry)
	manager  *lifecycle.Manager
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := cmdMain.PersistentFlags()
	f.StringVarP(&flagMain.Segment, "segment", "s", "/shmchan", "Segment name")
	f.StringVar(&flagMain.WriterSem, "wsem", "/shmchan.w", "Writer semaphore name")
	f.StringVar(&flagMain.ReaderSem, "rsem", "/shmchan.r", "Reader semaphore name")
	f.StringVarP(&flagMain.Dir, "dir", "d", shm.DefaultConfig().Dir, "Directory holding segments and semaphores")
	f.IntVarP(&flagMain.Capacity, "capacity", "c", shm.DefaultCapacity, "Segment capacity in bytes, header included")
	f.StringVar(&flagMain.Admin, "admin", "", "Serve /metrics, /live, /ready and /debug/pprof on this address")
	f.IntVar(&flagMain.LogLevel, "log-level", -1, "Log level from 0 (trace) to 5 (off); defaults to SHMCHAN_LOG_LEVEL")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmdMain.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func setup(*cobra.Command, []string) error {
	if flagMain.LogLevel >= 0 {
		shm.SetLogLevel(flagMain.LogLevel)
	}
	cfg := channelConfig()
	if err := shm.VerifyConfig(cfg); err != nil {
		return err
	}
	manager = lifecycle.NewManager(cfg)
	if flagMain.Admin != "" {
		serveAdmin(flagMain.Admin, manager)
	}
	return nil
}

func channelConfig() *shm.Config {
	cfg := shm.DefaultConfig()
	cfg.Capacity = flagMain.Capacity
	cfg.Dir = flagMain.Dir
	cfg.Metrics = metrics
	return cfg
}

func names() shm.Names {
	return shm.Names{Segment: flagMain.Segment, WriterSem: flagMain.WriterSem, ReaderSem: flagMain.ReaderSem}
}

// replyNames names the channel carrying responses back to a caller.
func replyNames() shm.Names {
	n := names()
	return shm.Names{Segment: n.Segment + ".reply", WriterSem: n.WriterSem + ".reply", ReaderSem: n.ReaderSem + ".reply"}
}

func serveAdmin(addr string, mgr *lifecycle.Manager) {
	mux := adminMux(mgr, registry)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "admin server: %v\n", err)
		}
	}()
}

// adminMux routes metrics of reg, health of mgr and the pprof handlers.
func adminMux(mgr *lifecycle.Manager, reg *prometheus.Registry) *http.ServeMux {
	hc := health.NewHandler(mgr, reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func printUsageAndExit1(cmd *cobra.Command, _ []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

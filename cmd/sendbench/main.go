package main

import (
	"fmt"
	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/google/uuid"
	"github.com/lyager/rpcz/common"
	"github.com/lyager/rpcz/connmgr"
	log "github.com/lyager/rpcz/logger"
	"github.com/lyager/rpcz/shutdown"
	"github.com/lyager/rpcz/transport"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"os"
	"time"
)

type arguments struct {
	Config      kong.ConfigFlag           `help:"Path to config file" type:"existingfile"`
	Endpoint    string                    `help:"Endpoint to send requests to" default:"tcp://127.0.0.1:7770"`
	Workers     int                       `help:"Size of the connection pool" default:"2"`
	Submitters  int                       `help:"Number of concurrent submitter goroutines" default:"4"`
	Requests    int                       `help:"Number of requests per submitter" default:"1000"`
	Pipeline    int                       `help:"Maximum requests a submitter keeps in flight" default:"64"`
	DeadlineMS  int64                     `help:"Per-request deadline in milliseconds, -1 for none" default:"5000"`
	PayloadSize int                       `help:"Size of the request payload frame in bytes" default:"128"`
	Log         log.Config                `help:"Configuration for the logger" embed:"" prefix:"log-"`
	ClientTLS   transport.ClientTLSConfig `help:"TLS configuration for outbound connections" embed:"" prefix:"tls-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	log.Sync()
	os.Exit(1)
}

func main() {
	defer common.RpczPanicHandler()
	defer log.Sync()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}

	tctx, err := transport.NewContextWithTLS(cfg.ClientTLS, transport.ServerTLSConfig{})
	if err != nil {
		logErrorAndExit(err.Error())
	}

	m := connmgr.NewConnectionManagerWithConf(connmgr.Conf{
		Workers:          cfg.Workers,
		TransportContext: tctx,
	})

	shutdown.InstallSignalHandler()

	conn, err := m.Connect(cfg.Endpoint)
	if err != nil {
		logErrorAndExit(err.Error())
	}

	runID := uuid.New().String()
	log.Infof("sendbench run %s: %d submitters x %d requests to %s over %d pooled connections",
		runID, cfg.Submitters, cfg.Requests, cfg.Endpoint, cfg.Workers)

	statsBySubmitter := make([]*submitterStats, cfg.Submitters)
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < cfg.Submitters; i++ {
		i := i
		g.Go(func() error {
			defer m.ReleaseCurrent()
			statsBySubmitter[i] = runSubmitter(conn, i, cfg, runID)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	var total submitterStats
	for _, stats := range statsBySubmitter {
		total.sent += stats.sent
		total.done += stats.done
		total.expired += stats.expired
		total.totalLat += stats.totalLat
		if stats.maxLat > total.maxLat {
			total.maxLat = stats.maxLat
		}
	}
	if shutdown.Process().Requested() {
		log.Warnf("benchmark was interrupted by a signal")
	}
	log.Infof("sent %d, done %d, deadline exceeded %d in %s (%.0f replies/s)",
		total.sent, total.done, total.expired, elapsed, float64(total.done)/elapsed.Seconds())
	if total.done > 0 {
		log.Infof("latency avg %s max %s", total.totalLat/time.Duration(total.done), total.maxLat)
	}

	m.Stop()
	if err := tctx.Close(); err != nil {
		log.Warnf("failure in closing transport context: %v", err)
	}
}

type submitterStats struct {
	sent     int
	done     int
	expired  int
	totalLat time.Duration
	maxLat   time.Duration
}

// runSubmitter runs one submitter event loop: it keeps up to cfg.Pipeline
// requests in flight, draining completions between submissions, then waits
// out the tail. All stats mutation happens in closures running on this
// goroutine inside WaitUntil.
func runSubmitter(conn connmgr.Connection, id int, cfg *arguments, runID string) *submitterStats {
	stats := &submitterStats{}
	payload := make([]byte, cfg.PayloadSize)
	inflight := 0
	belowPipeline := connmgr.StoppingConditionFunc(func() bool {
		return inflight < cfg.Pipeline
	})
	drained := connmgr.StoppingConditionFunc(func() bool {
		return inflight == 0
	})
	for i := 0; i < cfg.Requests; i++ {
		if conn.WaitUntil(belowPipeline) == connmgr.WaitStoppedBySignal {
			return stats
		}
		header := []byte(fmt.Sprintf("%s/%d/%d", runID, id, i))
		resp := &connmgr.PendingResponse{}
		sentAt := time.Now()
		inflight++
		conn.SendRequest([][]byte{header, payload}, resp, cfg.DeadlineMS, func(r *connmgr.PendingResponse) {
			inflight--
			lat := time.Since(sentAt)
			stats.totalLat += lat
			if lat > stats.maxLat {
				stats.maxLat = lat
			}
			switch r.Status() {
			case connmgr.Done:
				stats.done++
			case connmgr.DeadlineExceeded:
				stats.expired++
			}
		})
		stats.sent++
	}
	conn.WaitUntil(drained)
	return stats
}

func loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	return &cfg, nil
}

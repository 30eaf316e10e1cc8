package main

import (
	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"github.com/lyager/rpcz/shutdown"
	"github.com/lyager/rpcz/transport"
	"github.com/pkg/errors"
	"os"
	"sync/atomic"
	"time"
)

type arguments struct {
	Config    kong.ConfigFlag           `help:"Path to config file" type:"existingfile"`
	Endpoint  string                    `help:"Endpoint to listen on" default:"tcp://127.0.0.1:7770"`
	Log       log.Config                `help:"Configuration for the logger" embed:"" prefix:"log-"`
	ServerTLS transport.ServerTLSConfig `help:"TLS configuration for the listener" embed:"" prefix:"tls-"`
	Mute      bool                      `help:"Swallow requests without replying, for exercising requester deadlines"`
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

	tctx, err := transport.NewContextWithTLS(transport.ClientTLSConfig{}, cfg.ServerTLS)
	if err != nil {
		logErrorAndExit(err.Error())
	}

	var served int64
	srv, err := tctx.NewServer(cfg.Endpoint, func(frames [][]byte) ([][]byte, error) {
		atomic.AddInt64(&served, 1)
		if cfg.Mute {
			return nil, transport.ErrNoReply
		}
		return frames, nil
	})
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if err := srv.Start(); err != nil {
		logErrorAndExit(err.Error())
	}
	log.Infof("echo server listening on %s", cfg.Endpoint)

	shutdown.InstallSignalHandler()
	<-shutdown.Process().Done()

	// hard stop if Stop hangs
	tz := time.AfterFunc(5*time.Second, func() {
		log.Warn("echo server did not stop in time. system will exit.")
		log.Sync()
		os.Exit(1)
	})
	if err := srv.Stop(); err != nil {
		log.Warnf("failure in stopping echo server: %v", err)
	}
	if err := tctx.Close(); err != nil {
		log.Warnf("failure in closing transport context: %v", err)
	}
	tz.Stop()
	log.Infof("echo server stopped after serving %d requests", atomic.LoadInt64(&served))
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

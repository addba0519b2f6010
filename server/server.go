// Package server assembles the engine: scratchpad manager, announcement
// store, coordinator, searcher and announcer, wired over the in-memory
// transport and run as one unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/annmine/engine/announce"
	"github.com/annmine/engine/announcer"
	"github.com/annmine/engine/config"
	"github.com/annmine/engine/coordinator"
	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/searcher"
	"github.com/annmine/engine/transport"
)

const announceDbDirName = "announcements"

type svc interface {
	Run(ctx context.Context) error
}

type Server struct {
	cfg config.Config

	manager *scratchpad.Manager
	store   *announce.Store
	mem     *transport.InMemory
	coord   *coordinator.Coordinator

	search svc
	miner  svc

	metricsListener net.Listener
}

func New(ctx context.Context, cfg config.Config) (*Server, error) {
	logger := logging.FromContext(ctx)

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	manager, err := scratchpad.NewManager(cfg.Engine.ScratchpadSize, cfg.Engine.RetainSnapshots)
	if err != nil {
		return nil, fmt.Errorf("creating scratchpad manager: %w", err)
	}

	store, err := announce.OpenStore(filepath.Join(cfg.DbDir, announceDbDirName))
	if err != nil {
		return nil, fmt.Errorf("creating announcement store: %w", err)
	}

	mem := transport.NewInMemory()
	coord, err := coordinator.New(ctx, manager, store, mem, mem, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		mem:     mem,
		coord:   coord,
	}

	if cfg.Engine.DisableSearcher {
		logger.Info("solution search is disabled")
	} else {
		s.search = searcher.New(coord,
			searcher.WithWorkers(cfg.Engine.SearchWorkers),
			searcher.WithCheckInterval(cfg.Engine.CheckInterval),
		)
	}
	if cfg.Engine.DisableAnnouncer {
		logger.Info("announcement mining is disabled")
	} else {
		s.miner = announcer.New(coord, store,
			announcer.WithWorkers(cfg.Engine.AnnounceWorkers),
			announcer.WithBatchSize(cfg.Engine.AnnounceBatchSize),
		)
	}

	if cfg.MetricsPort != nil {
		s.metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, fmt.Errorf("listening for metrics: %w", err)
		}
	}

	return s, nil
}

// Transport exposes the engine's boundary: feed work templates in, read
// confirmed solutions out.
func (s *Server) Transport() *transport.InMemory {
	return s.mem
}

// Coordinator exposes the published work for embedding collaborators.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Start runs all services until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting work coordinator")
	serverGroup.Go(func() error {
		return s.coord.Run(ctx)
	})

	if s.search != nil {
		logger.Info("starting solution search service")
		serverGroup.Go(func() error {
			return s.search.Run(ctx)
		})
	}
	if s.miner != nil {
		logger.Info("starting announcement mining service")
		serverGroup.Go(func() error {
			return s.miner.Run(ctx)
		})
	}

	var metricsServer *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown services: %s", err)
	}
	return nil
}

func (s *Server) Close() error {
	var result *multierror.Error
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing announcement store: %w", err))
	}
	return result.ErrorOrNil()
}

// Command edged is the programmable HTTP/HTTPS edge server entrypoint.
// It loads one configuration snapshot, wires every component together,
// and runs until SIGINT/SIGTERM, at which point it drains in-flight
// requests before exiting. SIGHUP triggers a config reload, swapped in
// atomically the way the teacher's server.go swaps its handler.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/astracat2022/edged/internal/api"
	"github.com/astracat2022/edged/internal/cluster/raft"
	"github.com/astracat2022/edged/internal/cluster/swim"
	"github.com/astracat2022/edged/internal/cluster/transport"
	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/logging"
	"github.com/astracat2022/edged/internal/metrics"
	"github.com/astracat2022/edged/internal/orchestrator"
	"github.com/astracat2022/edged/internal/store"
	"github.com/astracat2022/edged/internal/tlsresolver"
)

func main() {
	configPath := flag.String("config", "/etc/edged/Edgefile", "path to the configuration file")
	httpAddr := flag.String("http", ":80", "plaintext HTTP listen address")
	httpsAddr := flag.String("https", ":443", "TLS listen address")
	adminAddr := flag.String("admin", "127.0.0.1:9090", "management API listen address")
	drainWindow := flag.Duration("drain", 15*time.Second, "graceful shutdown drain window")
	flag.Parse()

	if err := run(*configPath, *httpAddr, *httpsAddr, *adminAddr, *drainWindow); err != nil {
		fmt.Fprintln(os.Stderr, "edged:", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr, httpsAddr, adminAddr string, drainWindow time.Duration) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Log.Format, cfg.Log.Output)
	defer log.Sync()
	reg := metrics.NewRegistry()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	certStore, err := buildCertStore(rootCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("building certificate store: %w", err)
	}

	sessions := store.NewFromConfig(cfg.Store)
	sweeper := store.NewSweeper(sessions, log.Base())

	var current atomic.Pointer[orchestrator.Orchestrator]
	orc, err := orchestrator.Build(cfg, log, reg)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	current.Store(orc)

	orc.Start(rootCtx)
	if err := sweeper.Start(rootCtx, cfg.Store.SweepInterval); err != nil {
		return fmt.Errorf("starting session sweeper: %w", err)
	}

	cl, err := buildCluster(rootCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("building cluster: %w", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().ServeHTTP(w, r)
	})

	httpsListener, err := net.Listen("tcp", httpsAddr)
	if err != nil {
		return fmt.Errorf("binding https listener: %w", err)
	}
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return certStore.Resolve(hello.ServerName)
		},
	}
	httpsSrv := &http.Server{Handler: handler, TLSConfig: tlsConf}
	orc.RegisterHTTPServer(httpsSrv)

	httpSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		redirectToHTTPS(w, r)
	})}
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("binding http listener: %w", err)
	}
	orc.RegisterHTTPServer(httpSrv)

	adminSrv := &http.Server{
		Handler: api.New(orc, cl.members, cl.raftNode, sessions, reg, !cfg.Cluster.Enabled),
	}
	adminListener, err := net.Listen("tcp", adminAddr)
	if err != nil {
		return fmt.Errorf("binding admin listener: %w", err)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- httpSrv.Serve(httpListener) }()
	go func() { errCh <- httpsSrv.ServeTLS(httpsListener, "", "") }()
	go func() { errCh <- adminSrv.Serve(adminListener) }()
	orc.MarkListenersReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				next, err := config.LoadConfig(configPath)
				if err != nil {
					log.Base().Sugar().Warnf("reload failed: %v", err)
					continue
				}
				newOrc, err := orchestrator.Build(next, log, reg)
				if err != nil {
					log.Base().Sugar().Warnf("reload failed: %v", err)
					continue
				}
				newOrc.RegisterHTTPServer(httpsSrv)
				newOrc.RegisterHTTPServer(httpSrv)
				newOrc.MarkListenersReady(true)
				newOrc.Start(rootCtx)
				current.Store(newOrc)
			case syscall.SIGINT, syscall.SIGTERM:
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainWindow+5*time.Second)
				_ = current.Load().Shutdown(shutdownCtx, drainWindow)
				_ = adminSrv.Shutdown(shutdownCtx)
				if cl.transport != nil {
					_ = cl.transport.Close()
				}
				shutdownCancel()
				cancel()
				return nil
			}
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				cancel()
				return err
			}
		}
	}
}

// buildCertStore issues a leaf certificate for every vhost's SSL
// profile at startup and installs it into the resolver's atomic index;
// ongoing renewal is the already-built RenewalQueue's job, started
// here alongside the store.
func buildCertStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*tlsresolver.CertStore, error) {
	certStore := tlsresolver.NewCertStore()
	originCA, err := tlsresolver.NewOriginCAProvider()
	if err != nil {
		return nil, err
	}

	queue := tlsresolver.NewRenewalQueue(certStore, log.Base())

	for _, srv := range cfg.Servers {
		if srv.SSL == nil || len(srv.SSL.SANs) == 0 {
			continue
		}
		var provider tlsresolver.Provider
		switch srv.SSL.Source {
		case "acme":
			p, err := tlsresolver.NewACMEProvider(acmeDirectoryURL(cfg))
			if err != nil {
				return nil, fmt.Errorf("vhost %s: acme provider: %w", srv.ID, err)
			}
			provider = p
		case "manual":
			provider = &tlsresolver.ManualProvider{}
		default:
			provider = originCA
		}

		cert, err := provider.Issue(context.Background(), srv.SSL.SANs)
		if err != nil {
			return nil, fmt.Errorf("vhost %s: issuing certificate: %w", srv.ID, err)
		}
		certStore.Install(cert, srv.Priority == 0)
		renewWindow := srv.SSL.RenewWindow
		if renewWindow <= 0 {
			renewWindow = 30 * 24 * time.Hour
		}
		queue.Schedule(cert.ID, cert.NotAfter.Add(-renewWindow), srv.SSL.SANs, provider)
	}

	go queue.Run(ctx)
	return certStore, nil
}

func acmeDirectoryURL(cfg *config.Config) string {
	if cfg.ACME.CA != "" {
		return cfg.ACME.CA
	}
	return "https://acme-v02.api.letsencrypt.org/directory"
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// clusterHandle bundles the optional SWIM/Raft/transport trio so
// buildCluster can return a single value cleanly and main can pass nil
// members/raftNode through to api.New in standalone mode.
type clusterHandle struct {
	transport *transport.Transport
	members   *swim.Memberlist
	raftNode  *raft.Raft
}

// buildCluster wires components H and I over the shared transport from
// spec §6, only when cfg.Cluster.Enabled; a standalone node gets a
// cluster handle whose fields are all nil, and api/orchestrator treat
// that as "no cluster" rather than an error.
func buildCluster(ctx context.Context, cfg *config.Config, log *logging.Logger) (*clusterHandle, error) {
	if !cfg.Cluster.Enabled {
		return &clusterHandle{}, nil
	}

	caProvider, err := tlsresolver.NewOriginCAProvider()
	if err != nil {
		return nil, fmt.Errorf("cluster CA: %w", err)
	}
	clusterTLS, err := transport.NewClusterTLSConfig(caProvider)
	if err != nil {
		return nil, fmt.Errorf("cluster tls: %w", err)
	}

	tr := transport.New(cfg.Cluster.NodeID, cfg.Cluster.ClusterID, clusterTLS, log.Base())
	if err := tr.Listen(ctx, cfg.Cluster.BindAddr); err != nil {
		return nil, fmt.Errorf("cluster transport listen: %w", err)
	}

	self := swim.Node{ID: cfg.Cluster.NodeID, Address: cfg.Cluster.AdvertiseAddr}
	members := swim.New(self, cfg.Cluster, tr, log.Base())
	go members.Run(ctx)
	members.Join(ctx, cfg.Cluster.SeedNodes)

	dataDir := cfg.Cluster.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	persist, err := raft.OpenPersistence(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("raft persistence: %w", err)
	}

	peers := map[string]string{}
	for _, seed := range cfg.Cluster.SeedNodes {
		peers[seed] = seed
	}
	raftNode := raft.New(cfg.Cluster.NodeID, peers, cfg.Cluster, tr, persist, log.Base())
	go raftNode.Run(ctx)

	return &clusterHandle{transport: tr, members: members, raftNode: raftNode}, nil
}

package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/4xmen/jashn/internal/api"
	"github.com/4xmen/jashn/internal/metrics"
	"github.com/4xmen/jashn/internal/session"
	"github.com/4xmen/jashn/internal/tui"
	"github.com/4xmen/jashn/internal/ws"
	"github.com/4xmen/jashn/pkg/config"
)

type chatOptions struct {
	room        string
	password    string
	register    bool
	logFile     string
	metricsAddr string
}

func newChatCmd(v *viper.Viper) *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [room]",
		Short: "Open the terminal chat client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := bindFlags(v, cmd, map[string]string{
				"SERVER_URL": "server",
				"NICKNAME":   "nickname",
				"AUTH_TOKEN": "token",
				"LOCALE":     "locale",
			})
			if err != nil {
				return err
			}
			if len(args) == 1 {
				opts.room = args[0]
			}
			return runChat(cmd.Context(), config.FromViper(v), opts)
		},
	}
	cmd.Flags().String("server", "", "backend base URL")
	cmd.Flags().String("nickname", "", "nickname to sign in with")
	cmd.Flags().String("token", "", "existing auth token")
	cmd.Flags().String("locale", "", "language for notices (en, fa)")
	cmd.Flags().StringVar(&opts.password, "password", "", "password to sign in with")
	cmd.Flags().BoolVar(&opts.register, "register", false, "create the account before signing in")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "jashn-chat.log", "file to write logs to while the screen is open")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve client metrics on this address (e.g. 127.0.0.1:9091)")
	return cmd
}

// signIn returns the nickname the client is authenticated as.
func signIn(ctx context.Context, client *api.Client, nickname string, opts chatOptions) (string, error) {
	if client.Token() != "" {
		if nickname == "" {
			return "", errors.New("a nickname is required alongside an auth token")
		}
		return nickname, nil
	}
	if nickname == "" || opts.password == "" {
		return "", errors.New("--nickname and --password are required without an auth token")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var res *api.AuthResult
	var err error
	if opts.register {
		res, err = client.Register(ctx, nickname, opts.password)
	} else {
		res, err = client.Login(ctx, nickname, opts.password)
	}
	if err != nil {
		return "", errors.Wrap(err, "sign in")
	}
	return res.Nickname, nil
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions) error {
	client := api.New(cfg.ServerURL, cfg.AuthToken)
	nickname, err := signIn(ctx, client, cfg.Nickname, opts)
	if err != nil {
		return err
	}

	// The screen owns the terminal from here on.
	var logOut io.Writer = io.Discard
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		logOut = f
	}
	log.SetOutput(logOut)
	defer log.SetOutput(os.Stderr)

	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	if opts.metricsAddr != "" {
		srv, addr, err := startMetricsServer(opts.metricsAddr, reg)
		if err != nil {
			return err
		}
		log.WithField("addr", addr.String()).Info("serving client metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
	defer logMetricsSummary(reg)

	changes := tui.NewChanges()
	ctrl := session.New(session.Options{
		Nickname: nickname,
		Backend:  client,
		NewChannel: func(onStatus func(ws.Status)) session.Channel {
			return ws.NewChannel(ws.Options{
				URL:            cfg.BrokerURL,
				Token:          client.Token(),
				ReconnectDelay: cfg.ReconnectDelay,
				OnStatus:       onStatus,
				Metrics:        m,
			})
		},
		PageSize:         cfg.PageSize,
		UploadLimit:      cfg.MaxUploadSize,
		PresenceDebounce: cfg.PresenceDebounce,
		ProvisionalTTL:   cfg.ProvisionalTTL,
		NearBottom:       cfg.NearBottomThreshold,
		Locale:           cfg.Locale,
		Metrics:          m,
		OnChange:         changes.Notify,
		OnAlert: func(body []byte) {
			log.WithField("alert", string(body)).Info("alert received")
		},
	})

	log.WithFields(log.Fields{"server": cfg.ServerURL, "nickname": nickname, "room": opts.room}).Info("chat started")
	return tui.Run(ctrl, changes, tui.Options{StorageURLPrefix: cfg.StorageURLPrefix, Room: opts.room})
}

func startMetricsServer(addr string, reg *prometheus.Registry) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return srv, ln.Addr(), nil
}

// metricsSummary totals every counter family in g.
func metricsSummary(g prometheus.Gatherer) (log.Fields, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	fields := log.Fields{}
	for _, mf := range families {
		var total float64
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		fields[mf.GetName()] = total
	}
	return fields, nil
}

func logMetricsSummary(g prometheus.Gatherer) {
	fields, err := metricsSummary(g)
	if err != nil {
		log.WithError(err).Warn("metrics summary unavailable")
		return
	}
	log.WithFields(fields).Info("chat finished")
}

package cli

import (
	"context"
	"errors"
	"fmt"
	gohttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/core"
	"github.com/ledgeraccounts/accounts/internal/http"
)

// nodeSettings merges the configuration file and the flags.
type nodeSettings struct {
	name          key.PartyName
	folder        string
	privateListen string
	controlListen string
	level         int
	tlsCert       string
	tlsKey        string
	trustedCerts  []string
	opts          []core.ConfigOption
}

func contextToSettings(c *cli.Context, l log.Logger) (*nodeSettings, error) {
	s := &nodeSettings{
		folder:        c.String(folderFlag.Name),
		privateListen: core.DefaultPrivateListen,
		controlListen: c.String(controlFlag.Name),
		level:         logLevel(c),
	}
	timeout := c.Duration(timeoutFlag.Name)

	if c.IsSet(configFlag.Name) {
		fc, err := LoadConfig(c.String(configFlag.Name))
		if err != nil {
			return nil, err
		}
		s.name = key.PartyName(fc.Name)
		if fc.Folder != "" && !c.IsSet(folderFlag.Name) {
			s.folder = fc.Folder
		}
		if fc.PrivateListen != "" {
			s.privateListen = fc.PrivateListen
		}
		if fc.ControlListen != "" && !c.IsSet(controlFlag.Name) {
			s.controlListen = fc.ControlListen
		}
		if fc.SessionTimeout.Duration > 0 && !c.IsSet(timeoutFlag.Name) {
			timeout = fc.SessionTimeout.Duration
		}
		if fc.LogLevel != "" && !c.IsSet(verboseFlag.Name) {
			if s.level, err = log.ParseLevel(fc.LogLevel); err != nil {
				return nil, err
			}
		}
		s.tlsCert, s.tlsKey = fc.TLSCert, fc.TLSKey
		s.trustedCerts = fc.TrustedCerts
		peers, err := fc.PeerList()
		if err != nil {
			return nil, err
		}
		s.opts = append(s.opts, core.WithPeers(peers...))
	}
	if c.IsSet(nameFlag.Name) {
		s.name = key.PartyName(c.String(nameFlag.Name))
	}
	if c.IsSet(privListenFlag.Name) {
		s.privateListen = c.String(privListenFlag.Name)
	}
	if c.IsSet(tlsCertFlag.Name) {
		s.tlsCert = c.String(tlsCertFlag.Name)
	}
	if c.IsSet(tlsKeyFlag.Name) {
		s.tlsKey = c.String(tlsKeyFlag.Name)
	}
	s.trustedCerts = append(s.trustedCerts, c.StringSlice(trustedCertFlag.Name)...)
	if (s.tlsCert == "") != (s.tlsKey == "") {
		return nil, errors.New("--tls-cert and --tls-key go together")
	}
	if s.tlsCert != "" {
		s.opts = append(s.opts, core.WithTLS(s.tlsCert, s.tlsKey), core.WithTrustedCerts(s.trustedCerts...))
	}

	s.opts = append(s.opts,
		core.WithConfigFolder(s.folder),
		core.WithPrivateListenAddress(s.privateListen),
		core.WithControlListenAddress(s.controlListen),
		core.WithSessionTimeout(timeout),
		core.WithLogger(log.New(nil, s.level, c.Bool(jsonFlag.Name))),
	)
	l.Debugw("settings", "name", s.name, "folder", s.folder, "private", s.privateListen, "control", s.controlListen, "tls", s.tlsCert != "")
	return s, nil
}

func startCmd(c *cli.Context, l log.Logger) error {
	s, err := contextToSettings(c, l)
	if err != nil {
		return err
	}
	conf := core.NewConfig(s.opts...)

	id, err := core.LoadOrCreateIdentity(conf.Folder(), s.name, s.privateListen)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	node, err := core.NewNode(id, conf)
	if err != nil {
		return fmt.Errorf("can't instantiate node: %w", err)
	}
	if err := node.Start(); err != nil {
		return multierror.Append(err, node.Close())
	}

	handler, closeLog, err := accessLogged(c, http.New(node.Service(), node.Identity(), conf.Logger()))
	if err != nil {
		return multierror.Append(err, node.Close())
	}
	defer closeLog()
	server := &gohttp.Server{
		Addr:              conf.ControlListen(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	l.Infow("node running", "party", id.Public.Name, "key", id.Public.Key, "private", node.Address(), "control", conf.ControlListen())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		l.Errorw("control API stopped", "err", err)
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdown); serr != nil {
		l.Warnw("control API shutdown", "err", serr)
	}
	if cerr := node.Close(); cerr != nil {
		return cerr
	}
	if errors.Is(err, gohttp.ErrServerClosed) {
		return nil
	}
	return err
}

// accessLogged wraps h with a combined access log when --access-log is set.
func accessLogged(c *cli.Context, h gohttp.Handler) (gohttp.Handler, func(), error) {
	switch dest := c.String(accessLogFlag.Name); dest {
	case "":
		return h, func() {}, nil
	case "-":
		return handlers.CombinedLoggingHandler(c.App.Writer, h), func() {}, nil
	default:
		fd, err := os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening access log: %w", err)
		}
		return handlers.CombinedLoggingHandler(fd, h), func() { _ = fd.Close() }, nil
	}
}

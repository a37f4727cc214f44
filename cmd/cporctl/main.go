// cporctl is the CPOR reference endpoint: keygen for identities, serve
// for the responding side, send for a quick client exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/cpor/internal/config"
	"github.com/danmuck/cpor/internal/crypto"
	"github.com/danmuck/cpor/internal/observability"
	"github.com/danmuck/cpor/internal/session"
	"github.com/danmuck/cpor/internal/transport"
)

var (
	configPath string
	keyPath    string
	register   bool
)

var rootCmd = &cobra.Command{
	Use:          "cporctl",
	Short:        "CPOR protocol endpoint",
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 identity and write its seed to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := crypto.NewSoftwareProvider()
		if err != nil {
			return err
		}
		if err := crypto.SaveSeed(keyPath, provider.Seed()); err != nil {
			return err
		}
		fmt.Printf("wrote seed to %s\npublic key: %x\n", keyPath, provider.PublicKey())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for CPOR sessions and log received payloads",
	RunE:  runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send [payload]...",
	Short: "Open a session, send each argument as one message, close",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	log := observability.InitLoggerAt("cporctl", cfg.LogLevel)
	signer, err := loadSigner(cfg.KeyFile)
	if err != nil {
		return err
	}

	ln, err := transport.Listen(cfg.Addr, cfg.SecurityMode, cfg.TLS, cfg.Session.Limits)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	store := session.NewMemoryKeyStore()
	acceptor := session.NewAcceptor(signer, store, session.NewEphemeralRegistrar(store), cfg.Session, log)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			sess, err := acceptor.Accept(ctx, conn)
			if err != nil {
				log.Warn().Err(err).Msg("handshake rejected")
				_ = conn.Close()
				return
			}
			go drain(ctx, sess, log)
		}()
	}
}

func drain(ctx context.Context, sess *session.Session, log zerolog.Logger) {
	for {
		payload, err := sess.Receive(ctx)
		if err != nil {
			if !errors.Is(err, session.ErrClosed) {
				log.Warn().Err(err).Msg("session ended")
			}
			return
		}
		log.Info().
			Str("client_id", sess.ClientID()).
			Uint64("counter", sess.LastReceived()).
			Int("bytes", len(payload)).
			Msg("message received")
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}
	log := observability.InitLoggerAt("cporctl", cfg.LogLevel)
	signer, err := loadSigner(cfg.KeyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.NewTCP(cfg.Transport, log)
	if err != nil {
		return err
	}
	scfg := cfg.Session
	scfg.Register = scfg.Register || register
	sess, err := session.Connect(ctx, tr, signer, cfg.ClientID, scfg, log)
	if err != nil {
		return err
	}
	for _, payload := range args {
		if err := sess.Send(ctx, []byte(payload)); err != nil {
			return err
		}
	}
	return sess.Close(ctx, "done")
}

func loadSigner(path string) (crypto.Provider, error) {
	seed, err := crypto.LoadSeed(path)
	if err != nil {
		return nil, fmt.Errorf("no usable identity at %s (run cporctl keygen): %w", path, err)
	}
	return crypto.NewSoftwareProviderFromSeed(seed)
}

func main() {
	keygenCmd.Flags().StringVar(&keyPath, "out", "cpor.key", "seed file to write")
	serveCmd.Flags().StringVar(&configPath, "config", "cpor-server.toml", "server config file")
	sendCmd.Flags().StringVar(&configPath, "config", "cpor-client.toml", "client config file")
	sendCmd.Flags().BoolVar(&register, "register", false, "run the registration sub-protocol")
	rootCmd.AddCommand(keygenCmd, serveCmd, sendCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

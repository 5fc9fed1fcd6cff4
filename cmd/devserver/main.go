package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/client/internal/config"
	"github.com/zhouzirui/z-chat/client/internal/devserver"
	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:           "devserver",
	Short:         "本地参考聊天服务端（REST + WebSocket）",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDevServer,
}

var (
	flagAddr     string
	flagDataPath string
	flagTokens   string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagAddr, "addr", "", "监听地址，覆盖 PORT")
	flags.StringVar(&flagDataPath, "data-path", "", "Pebble 消息日志目录，覆盖 CHAT_DATA_PATH")
	flags.StringVar(&flagTokens, "tokens", "", "token:userID:username 列表，覆盖 CHAT_TOKENS")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
}

func runDevServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("未加载 .env 文件，仅使用系统环境变量")
	}

	serverCfg := cfg.Server
	if flagAddr != "" {
		serverCfg.Addr = flagAddr
	}
	if flagDataPath != "" {
		serverCfg.DataPath = flagDataPath
	}
	if flagTokens != "" {
		serverCfg.Tokens = flagTokens
	}

	tokens, err := devserver.ParseTokens(serverCfg.Tokens)
	if err != nil {
		return err
	}

	var msgLog devserver.MessageLog
	if serverCfg.DataPath != "" {
		pl, err := devserver.OpenPebbleLog(serverCfg.DataPath)
		if err != nil {
			return err
		}
		msgLog = pl
		logger.Info().Str("path", serverCfg.DataPath).Msg("消息日志已启用")
	} else {
		logger.Info().Msg("未配置 CHAT_DATA_PATH，消息仅保存在内存中")
	}

	svc, err := devserver.NewService(chat.NewMemoryRoomStore(chat.Seed()), msgLog)
	if err != nil {
		if msgLog != nil {
			_ = msgLog.Close()
		}
		return fmt.Errorf("failed to initialize chat service: %w", err)
	}

	opts := devserver.DefaultOptions()
	opts.Logger = logger
	srv := devserver.New(svc, tokens, opts)
	defer func() {
		srv.Close()
		if msgLog != nil {
			if err := msgLog.Close(); err != nil {
				logger.Error().Err(err).Msg("关闭消息日志失败")
			}
		}
	}()

	return startServer(ctx, logger, serverCfg, srv.Handler())
}

func startServer(ctx context.Context, logger zerolog.Logger, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("chat devserver listening")
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("chat devserver stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/client/internal/config"
	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/internal/service/api"
	"github.com/zhouzirui/z-chat/client/internal/service/session"
	"github.com/zhouzirui/z-chat/client/internal/service/socket"
	"github.com/zhouzirui/z-chat/client/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:           "chatcli",
	Short:         "终端聊天客户端",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig()
	},
}

var (
	flagAPIURL      string
	flagWSURL       string
	flagToken       string
	flagMetricsAddr string

	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", "", "REST 地址，覆盖 CHAT_API_URL")
	flags.StringVar(&flagWSURL, "ws-url", "", "实时连接地址，覆盖 CHAT_WS_URL")
	flags.StringVar(&flagToken, "token", "", "访问令牌，覆盖 CHAT_TOKEN")

	joinCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "暴露 /metrics 的地址，留空不启用")

	rootCmd.AddCommand(roomsCmd, createRoomCmd, joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	envErr := godotenv.Load()

	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagAPIURL != "" {
		loaded.Client.APIBaseURL = strings.TrimRight(flagAPIURL, "/")
		if flagWSURL == "" && os.Getenv("CHAT_WS_URL") == "" {
			loaded.Client.WSBaseURL = loaded.Client.APIBaseURL
		}
	}
	if flagWSURL != "" {
		loaded.Client.WSBaseURL = strings.TrimRight(flagWSURL, "/")
	}
	if flagToken != "" {
		loaded.Client.Token = flagToken
	}
	cfg = loaded

	logger = utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("未加载 .env 文件，仅使用系统环境变量")
	}
	return nil
}

func newAPIClient() *api.Client {
	client := api.NewClient(cfg.Client.APIBaseURL, cfg.Client.Token)
	client.Logger = logger
	return client
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "列出房间",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rooms, err := newAPIClient().ListRooms(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, room := range rooms {
			fmt.Fprintln(out, formatRoom(room))
		}
		return nil
	},
}

var createRoomCmd = &cobra.Command{
	Use:   "create-room <name> [description]",
	Short: "创建房间",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		description := ""
		if len(args) > 1 {
			description = args[1]
		}
		name := strings.TrimSpace(args[0])
		if name == "" {
			return chat.ErrRoomNameRequired
		}
		room, err := newAPIClient().CreateRoom(cmd.Context(), name, description)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatRoom(room))
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <roomID>",
	Short: "加入房间并开始聊天（/more 加载更早消息，/quit 退出）",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || roomID <= 0 {
		return fmt.Errorf("invalid room id %q", args[0])
	}
	if cfg.Client.Token == "" {
		return errors.New("CHAT_TOKEN is required to join a room")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagMetricsAddr != "" {
		go serveMetrics(ctx, flagMetricsAddr)
	}

	c := cfg.Client
	opts := socket.DefaultOptions()
	opts.BaseURL = c.WSBaseURL
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.AuthTimeout = c.AuthTimeout
	opts.Backoff = socket.Backoff{
		Min:        c.BackoffMin,
		Max:        c.BackoffMax,
		Multiplier: c.BackoffMultiplier,
		MaxRetries: c.BackoffRetries,
	}
	opts.Logger = logger

	rend := newRenderer(cmd.OutOrStdout(), c.UserID)
	rest := newAPIClient()
	ctrl := session.New(session.Config{
		User:          chat.SenderProfile{ID: c.UserID, Username: c.Username},
		HistoryLimit:  c.HistoryLimit,
		EchoTolerance: c.EchoTolerance,
		Logger:        logger,
		Observer:      rend.Render,
	}, session.Deps{
		Rooms:   rest,
		History: rest,
		Sockets: session.NewSocketFactory(socket.Credentials{Token: c.Token}, opts),
	})
	defer ctrl.Close()

	if err := ctrl.SelectRoomByID(ctx, roomID); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
			case "/quit":
				return nil
			case "/more":
				if err := ctrl.LoadMore(ctx); err != nil {
					rend.Notice("加载历史失败: %v", err)
				}
			default:
				if _, ok := ctrl.Send(line); !ok {
					rend.Notice("连接未就绪，消息未发送")
				}
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("metrics endpoint stopped")
	}
}

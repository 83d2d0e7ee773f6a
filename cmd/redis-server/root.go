package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redisserver "github.com/raniellyferreira/redis-inmemory-server"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

const (
	// wrap is the number of characters to wrap the help text at
	wrap int = 50
)

var (
	rootCmd = &cobra.Command{
		Use:   "redis-server",
		Short: "in-memory Redis-compatible server",
		Long: fmt.Sprintf(`redis-server (v%s)

An in-memory Redis-compatible server with strings, streams and
master/replica replication. Every flag can also be set through an
environment variable of the form REDIS_<FLAG> (e.g. REDIS_REPLICAOF="localhost 6379").`, redisserver.Version),
		SilenceUsage: true,
		PreRunE:      bindFlags,
		RunE:         run,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of redis-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("redis-server v%s\n", redisserver.Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()

	key := "bind"
	flags.String(key, "", wrapString("The host to listen on, empty for all interfaces"))

	key = "port"
	flags.Int(key, 6379, wrapString("The TCP port to listen on"))

	key = "dir"
	flags.String(key, ".", wrapString("The directory holding the snapshot file"))

	key = "dbfilename"
	flags.String(key, "dump.rdb", wrapString("The snapshot file name inside dir, loaded once at startup"))

	key = "replicaof"
	flags.String(key, "", wrapString(`Run as a replica of the given master, formatted as "<host> <port>"`))

	key = "log-level"
	flags.String(key, "info", wrapString("The level at which logs will be output (debug, info, error)"))

	key = "metrics-addr"
	flags.String(key, "", wrapString("Serve Prometheus metrics on this address under /metrics, disabled when empty"))

	key = "id-ordering"
	flags.String(key, "decimal", wrapString("How stream ids are compared by XRANGE and XREAD (decimal, numeric)"))

	key = "keys-matching"
	flags.String(key, "substring", wrapString("How KEYS applies a pattern other than * (substring, glob)"))

	key = "timeout"
	flags.Int(key, 0, wrapString("Close client connections idle for this many seconds, 0 disables it"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig loads env files and makes viper read REDIS_ variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("redis")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags binds the command line flags to viper
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// buildOptions turns the resolved flags into server options
func buildOptions() ([]redisserver.Option, *redisserver.VictoriaMetrics, error) {
	level, err := redisserver.ParseLogLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, nil, err
	}
	ordering, err := storage.ParseIDOrdering(viper.GetString("id-ordering"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid id-ordering: %w", err)
	}
	matching, err := storage.ParseMatchingStrategy(viper.GetString("keys-matching"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid keys-matching: %w", err)
	}

	opts := []redisserver.Option{
		redisserver.WithLogger(redisserver.NewStdLogger(level)),
		redisserver.WithAddr(net.JoinHostPort(viper.GetString("bind"), strconv.Itoa(viper.GetInt("port")))),
		redisserver.WithDir(viper.GetString("dir")),
		redisserver.WithDBFilename(viper.GetString("dbfilename")),
		redisserver.WithReplicaOf(viper.GetString("replicaof")),
		redisserver.WithStreamIDOrdering(ordering),
		redisserver.WithKeysMatching(matching),
		redisserver.WithIdleTimeout(time.Duration(viper.GetInt("timeout")) * time.Second),
	}

	var vm *redisserver.VictoriaMetrics
	if viper.GetString("metrics-addr") != "" {
		vm = redisserver.NewVictoriaMetrics()
		opts = append(opts, redisserver.WithMetrics(vm))
	}
	return opts, vm, nil
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	opts, vm, err := buildOptions()
	if err != nil {
		return err
	}

	srv, err := redisserver.New(opts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	if vm != nil {
		metricsSrv := serveMetrics(viper.GetString("metrics-addr"), vm)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	return nil
}

// serveMetrics exposes the collector in the Prometheus text format
func serveMetrics(addr string, vm *redisserver.VictoriaMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		vm.WritePrometheus(w)
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server: %v\n", err)
		}
	}()
	return httpSrv
}

// wrapString wraps a string at wrap characters
func wrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// Command funnel_standalone_server runs a single-node key/value server whose
// every request is executed as a transaction through the serialized
// transaction manager, persisted by the journal-backed snapshot store.
//
// The wire protocol is deliberately simple line text:
//
//	PUT <key> <value>
//	GET <key>
//	DELETE <key>
//	VERSION
//	QUIT
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/funneldb/funnel/config"
	"github.com/funneldb/funnel/core/snapshot"
	"github.com/funneldb/funnel/core/txn"
	"github.com/funneldb/funnel/pkg/logger"
	"github.com/funneldb/funnel/pkg/telemetry"
)

// Root is the persistent object graph: the whole key/value data set managed
// as one unit.
type Root struct {
	Data map[string]string `json:"data"`
}

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	store, err := snapshot.NewJournalStore(
		cfg.Store.Dir,
		Root{Data: make(map[string]string)},
		snapshot.JSONRootCodec[Root](),
		cfg.Store.SegmentSizeLimit,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to open journal store: %w", err)
	}
	defer store.Close()

	mc := cfg.Managers[0]
	manager, err := txn.NewManager(mc.Name, store, mc.QueueCapacity, log)
	if err != nil {
		return fmt.Errorf("failed to build transaction manager: %w", err)
	}
	if err := manager.InstrumentWith(tel.Meter); err != nil {
		return fmt.Errorf("failed to instrument transaction manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start transaction manager: %w", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			log.Error("Failed to stop transaction manager", zap.Error(err))
		}
	}()

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	log.Info("Server listening", zap.String("addr", cfg.Server.ListenAddr))

	// Close the listener on SIGINT/SIGTERM; Accept then returns and the
	// deferred shutdown chain runs.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Shutting down on signal", zap.String("signal", sig.String()))
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go handleConnection(conn, manager, log)
	}
}

// handleConnection serves one client, executing each request as its own
// transaction: reads as shared read-only, writes as read-write.
func handleConnection(conn net.Conn, manager *txn.Manager, log *zap.Logger) {
	defer conn.Close()
	ctx := context.Background()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		cmd := strings.ToUpper(fields[0])
		if cmd == "QUIT" {
			fmt.Fprintln(writer, "OK bye")
			writer.Flush()
			return
		}

		reply, err := dispatch(ctx, manager, cmd, fields[1:])
		if err != nil {
			fmt.Fprintf(writer, "ERROR %v\n", err)
		} else {
			fmt.Fprintf(writer, "OK %s\n", reply)
		}
		writer.Flush()
	}
	if err := scanner.Err(); err != nil {
		log.Debug("Connection read error", zap.Error(err))
	}
}

func dispatch(ctx context.Context, manager *txn.Manager, cmd string, args []string) (string, error) {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return "", errors.New("usage: GET <key>")
		}
		value, err := manager.Perform(ctx, func(ctx context.Context, tx *txn.Tx) (any, error) {
			root := tx.Root().(Root)
			v, ok := root.Data[args[0]]
			if !ok {
				return nil, fmt.Errorf("key %q not found", args[0])
			}
			return v, nil
		}, true, true)
		if err != nil {
			return "", err
		}
		return value.(string), nil

	case "PUT":
		if len(args) != 2 {
			return "", errors.New("usage: PUT <key> <value>")
		}
		_, err := manager.Perform(ctx, func(ctx context.Context, tx *txn.Tx) (any, error) {
			root := tx.Root().(Root)
			root.Data[args[0]] = args[1]
			return nil, tx.SetRoot(root)
		}, false, false)
		if err != nil {
			return "", err
		}
		return "stored", nil

	case "DELETE":
		if len(args) != 1 {
			return "", errors.New("usage: DELETE <key>")
		}
		_, err := manager.Perform(ctx, func(ctx context.Context, tx *txn.Tx) (any, error) {
			root := tx.Root().(Root)
			if _, ok := root.Data[args[0]]; !ok {
				return nil, fmt.Errorf("key %q not found", args[0])
			}
			delete(root.Data, args[0])
			return nil, tx.SetRoot(root)
		}, false, false)
		if err != nil {
			return "", err
		}
		return "deleted", nil

	case "VERSION":
		version, err := manager.Perform(ctx, func(ctx context.Context, tx *txn.Tx) (any, error) {
			return tx.Version(), nil
		}, true, true)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", version), nil

	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

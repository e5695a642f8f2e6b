package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"debvault/pkg/app"
	"debvault/pkg/config"
	"debvault/pkg/logging"
	"debvault/pkg/server"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is .dv/config.yaml or $HOME/.dv/config.yaml)")
	listen := flag.String("listen", "", "listen address (default server.listen)")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	if *listen != "" {
		viper.Set("server.listen", *listen)
	}

	logger, err := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		log.Fatalf("❌ Logger error: %v", err)
	}
	defer logger.Sync()

	// 2. Init Core Application。remote 后端指向自己没有意义
	if viper.GetString("storage.type") == "remote" {
		logger.Fatal("dv-server cannot serve a remote store, set storage.type to disk or s3")
	}
	application, err := app.NewApp(context.Background(), logger)
	if err != nil {
		logger.Fatal("failed to initialize app", zap.Error(err))
	}
	defer application.Close()
	fmt.Println("✅ debvault store initialized.")

	// 3. Setup Network
	addr := viper.GetString("server.listen")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", addr), zap.Error(err))
	}

	// 4. Setup gRPC Server
	grpcServer := server.New(application.Store, logger)

	// 5. Start Server (Async)
	go func() {
		fmt.Printf("🚀 gRPC object store listening on %s...\n", addr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("failed to serve", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n⚠️  Shutting down server...")
	grpcServer.GracefulStop()
	fmt.Println("👋 Server stopped.")
}

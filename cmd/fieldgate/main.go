package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/core"

	// 注册内置协议客户端
	_ "github.com/y001j/fieldgate/internal/southbound/dnp3client"
	_ "github.com/y001j/fieldgate/internal/southbound/modbusclient"
	_ "github.com/y001j/fieldgate/internal/southbound/mqttclient"
	_ "github.com/y001j/fieldgate/internal/southbound/opcuaclient"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rt, err := core.NewRuntime(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化失败")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("启动失败")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("收到退出信号")

	cancel()
	rt.Stop(context.Background())
}

package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/alert"
	"github.com/y001j/fieldgate/internal/config"
	"github.com/y001j/fieldgate/internal/fanout"
	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/readmodel"
	"github.com/y001j/fieldgate/internal/security"
	"github.com/y001j/fieldgate/internal/southbound"
	"github.com/y001j/fieldgate/internal/store"
	"github.com/y001j/fieldgate/internal/web"
)

// Runtime 组装并驱动全部组件：每个协议连接一条独立管线，
// 共享同一个告警引擎与分发器。
type Runtime struct {
	cfgMgr      *config.Manager
	engine      *alert.Engine
	broadcaster *fanout.Broadcaster
	guards      map[string]*security.Guard
	pipelines   []*pipeline
	readModel   *readmodel.Store
	alertStore  *store.AlertStore

	natsConn   *nats.Conn
	natsServer *server.Server
	httpServer *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime 从配置文件构建Runtime
func NewRuntime(cfgPath string) (*Runtime, error) {
	cfgMgr, err := config.NewManager(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Current()

	// logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(cfg.Gateway.LogLevel); err == nil && cfg.Gateway.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}

	rt := &Runtime{
		cfgMgr:      cfgMgr,
		broadcaster: fanout.NewBroadcaster(),
		guards:      make(map[string]*security.Guard),
	}

	// 告警引擎：配置了规则就用配置的，否则安装默认规则集
	if len(cfg.AlertRules) > 0 {
		rt.engine = alert.NewEmptyEngine()
		rt.engine.ReplaceRules(rulesFromConfig(cfg.AlertRules))
	} else {
		rt.engine = alert.NewEngine()
	}

	// NATS镜像总线（可选）
	if cfg.Gateway.NATSURL != "" {
		nc, ns, err := connectBus(cfg.Gateway.NATSURL)
		if err != nil {
			return nil, err
		}
		rt.natsConn = nc
		rt.natsServer = ns
		rt.broadcaster.AttachBus(nc)
	}

	// 外部读模型协作方（可选）
	if cfg.Gateway.RedisAddr != "" {
		rm, err := readmodel.NewStore(context.Background(), cfg.Gateway.RedisAddr, "", cfg.Gateway.RedisDB)
		if err != nil {
			return nil, err
		}
		rt.readModel = rm
	}

	// 告警历史存储（可选）
	if cfg.Gateway.AlertDBPath != "" {
		as, err := store.NewAlertStore(cfg.Gateway.AlertDBPath)
		if err != nil {
			return nil, err
		}
		rt.alertStore = as
	}

	env := security.StaticEnvironment{Production: cfg.Gateway.Production}

	// 每个连接：协议客户端 + Guard + 管线
	for _, connCfg := range cfg.Connections {
		client, ok := southbound.Create(connCfg.Type)
		if !ok {
			return nil, fmt.Errorf("未注册的协议类型: %s", connCfg.Type)
		}
		clientCfg, err := connCfg.ClientConfig()
		if err != nil {
			return nil, err
		}
		if err := client.Init(clientCfg); err != nil {
			return nil, fmt.Errorf("初始化连接 %s 失败: %w", connCfg.Name, err)
		}

		opts := []security.Option{}
		if connCfg.MaxAttempts > 0 {
			opts = append(opts, security.WithMaxAttempts(connCfg.MaxAttempts))
		}
		guard := security.NewGuard(client, env, opts...)
		rt.guards[connCfg.Name] = guard

		rt.pipelines = append(rt.pipelines, newPipeline(pipelineDeps{
			name:        connCfg.Name,
			unitID:      clientCfg.UnitID,
			client:      client,
			guard:       guard,
			points:      clientCfg.Points,
			interval:    clientCfg.Interval(),
			engine:      rt.engine,
			broadcaster: rt.broadcaster,
			readModel:   rt.readModel,
			alertStore:  rt.alertStore,
		}))
	}

	// 规则热加载
	cfgMgr.OnChange(func(c config.Config) {
		if len(c.AlertRules) > 0 {
			rt.engine.ReplaceRules(rulesFromConfig(c.AlertRules))
		}
	})

	// HTTP服务
	srv := web.NewServer(web.Deps{
		Engine:      rt.engine,
		Broadcaster: rt.broadcaster,
		Guards:      rt.guards,
		ReadModel:   rt.readModel,
		AlertStore:  rt.alertStore,
	})
	rt.httpServer = &http.Server{
		Addr:    cfg.Gateway.HTTPAddr,
		Handler: srv.Router(),
	}

	return rt, nil
}

// rulesFromConfig 转换配置规则，跳过非法条目
func rulesFromConfig(cfgRules []config.AlertRuleConfig) []model.AlertRule {
	out := make([]model.AlertRule, 0, len(cfgRules))
	for _, rc := range cfgRules {
		rule, err := rc.Rule()
		if err != nil {
			log.Warn().Err(err).Str("sensor_type", rc.SensorType).Msg("跳过非法告警规则")
			continue
		}
		out = append(out, rule)
	}
	return out
}

// connectBus 连接NATS，URL为 "embedded" 时启动进程内服务器
func connectBus(url string) (*nats.Conn, *server.Server, error) {
	var natsServer *server.Server

	if url == "embedded" {
		opts := &server.Options{
			ServerName: "fieldgate-embedded",
			Host:       "127.0.0.1",
			Port:       4222,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("创建嵌入式NATS服务器失败: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("嵌入式NATS服务器启动超时")
		}
		natsServer = ns
		url = ns.ClientURL()
		log.Info().Str("url", url).Msg("嵌入式NATS服务器已启动")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
	)
	if err != nil {
		if natsServer != nil {
			natsServer.Shutdown()
		}
		return nil, nil, fmt.Errorf("连接NATS失败: %w", err)
	}
	return nc, natsServer, nil
}

// Start 启动全部管线与HTTP服务
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)
	r.cfgMgr.Watch()

	for _, p := range r.pipelines {
		r.wg.Add(1)
		go func(p *pipeline) {
			defer r.wg.Done()
			p.run(ctx)
		}(p)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Info().Str("addr", r.httpServer.Addr).Msg("HTTP服务启动")
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP服务异常退出")
		}
	}()

	log.Info().Int("pipelines", len(r.pipelines)).Msg("Runtime启动完成")
	return nil
}

// Stop 停止全部组件
func (r *Runtime) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("关闭HTTP服务失败")
	}

	r.wg.Wait()

	for name, guard := range r.guards {
		if client := guard.Client(); client != nil {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Str("connection", name).Msg("关闭协议客户端失败")
			}
		}
	}

	r.broadcaster.Close()
	if r.natsConn != nil {
		r.natsConn.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.readModel != nil {
		r.readModel.Close()
	}
	if r.alertStore != nil {
		r.alertStore.Close()
	}

	log.Info().Msg("Runtime已停止")
}

package opcuaclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

func init() {
	// 注册客户端工厂
	southbound.Register("opcua", func() southbound.ProtocolClient {
		return &Client{}
	})
}

// Client 是OPC-UA协议客户端，通过会话读取节点值
type Client struct {
	*southbound.BaseClient
	endpoint string
	timeout  time.Duration
	client   *opcua.Client
	mutex    sync.Mutex
}

// Init 初始化客户端
func (c *Client) Init(cfg southbound.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("OPC-UA配置无效: %w", err)
	}

	c.BaseClient = southbound.NewBaseClient(cfg.Name, "opcua")
	c.endpoint = cfg.Address
	c.timeout = cfg.Timeout()

	log.Info().
		Str("name", c.Name()).
		Str("endpoint", c.endpoint).
		Int("points", len(cfg.Points)).
		Msg("OPC-UA客户端初始化完成")

	return nil
}

// Connect 建立OPC-UA会话
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	client, err := opcua.NewClient(c.endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
		opcua.RequestTimeout(c.timeout),
	)
	if err != nil {
		rec := model.ErrorRecord{Code: "opcua_client_create", Message: err.Error(), Timestamp: model.NowISO()}
		c.MarkError(rec, true)
		return fmt.Errorf("创建OPC-UA客户端失败: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		c.MarkRetry()
		rec := model.ErrorRecord{Code: "opcua_connect", Message: err.Error(), Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		return fmt.Errorf("连接OPC-UA服务器失败: %w", err)
	}

	c.client = client
	c.MarkConnected()
	log.Info().Str("name", c.Name()).Str("endpoint", c.endpoint).Msg("OPC-UA会话建立成功")
	return nil
}

// ReadValue 读取单个节点的值属性
func (c *Client) ReadValue(ctx context.Context, id string) (southbound.ReadResult, error) {
	c.mutex.Lock()
	client := c.client
	c.mutex.Unlock()

	if client == nil {
		return southbound.ReadResult{}, fmt.Errorf("OPC-UA会话未建立")
	}

	nodeID, err := ua.ParseNodeID(id)
	if err != nil {
		return southbound.ReadResult{}, fmt.Errorf("解析节点ID失败: %w", err)
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnSource,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		},
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		rec := model.ErrorRecord{Code: "opcua_read", Message: err.Error(),
			Context: map[string]interface{}{"node": id}, Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		c.MarkDisconnected()
		return southbound.ReadResult{}, fmt.Errorf("读取节点失败: %w", err)
	}
	if len(resp.Results) == 0 {
		return southbound.ReadResult{}, fmt.Errorf("读取节点返回空结果")
	}

	dv := resp.Results[0]
	c.Heartbeat()

	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var value interface{}
	if dv.Value != nil {
		value = dv.Value.Value()
	}

	return southbound.ReadResult{
		Value:     value,
		Quality:   qualityFromStatus(dv.Status),
		Timestamp: ts,
	}, nil
}

// qualityFromStatus 将OPC-UA状态码映射为质量枚举
func qualityFromStatus(code ua.StatusCode) model.Quality {
	switch {
	case code == ua.StatusOK:
		return model.QualityGood
	case code&ua.StatusBad == ua.StatusBad:
		return model.QualityBad
	default:
		return model.QualityUncertain
	}
}

// Status 返回协议状态映射
func (c *Client) Status() map[string]interface{} {
	st := c.BaseStatus()
	st["endpoint"] = c.endpoint
	return st
}

// Close 关闭会话
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client != nil {
		if err := c.client.Close(context.Background()); err != nil {
			log.Warn().Err(err).Str("name", c.Name()).Msg("关闭OPC-UA会话失败")
		}
		c.client = nil
	}
	c.MarkDisconnected()
	return nil
}

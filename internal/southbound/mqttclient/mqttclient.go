package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

func init() {
	// 注册客户端工厂
	southbound.Register("mqtt", func() southbound.ProtocolClient {
		return &Client{}
	})
}

// Params 是MQTT客户端的特定参数
type Params struct {
	ClientID string `json:"client_id"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      byte   `json:"qos"`
}

// cachedValue 某个主题最近一次收到的消息
type cachedValue struct {
	result southbound.ReadResult
	seen   time.Time
}

// Client 是MQTT协议客户端。MQTT是推送式协议，客户端在连接时订阅
// 配置的所有主题并缓存最新消息，ReadValue 返回对应主题的缓存值。
type Client struct {
	*southbound.BaseClient
	broker  string
	params  Params
	topics  []string
	timeout time.Duration

	client mqtt.Client
	mutex  sync.Mutex
	cache  map[string]cachedValue
}

// Init 初始化客户端
func (c *Client) Init(cfg southbound.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("MQTT配置无效: %w", err)
	}

	c.BaseClient = southbound.NewBaseClient(cfg.Name, "mqtt")
	c.broker = cfg.Address
	c.timeout = cfg.Timeout()
	c.cache = make(map[string]cachedValue)

	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &c.params); err != nil {
			return fmt.Errorf("解析MQTT特定参数失败: %w", err)
		}
	}
	if c.params.ClientID == "" {
		c.params.ClientID = "fieldgate-" + cfg.Name
	}

	c.topics = make([]string, 0, len(cfg.Points))
	for _, p := range cfg.Points {
		c.topics = append(c.topics, p.ID)
	}

	log.Info().
		Str("name", c.Name()).
		Str("broker", c.broker).
		Int("topics", len(c.topics)).
		Msg("MQTT客户端初始化完成")

	return nil
}

// Connect 连接到MQTT代理并订阅全部配置主题
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.params.ClientID).
		SetConnectTimeout(c.timeout).
		SetAutoReconnect(false)

	if c.params.Username != "" {
		opts.SetUsername(c.params.Username)
		opts.SetPassword(c.params.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.MarkDisconnected()
		log.Warn().Err(err).Str("name", c.Name()).Msg("MQTT连接丢失")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.timeout) {
		c.MarkRetry()
		rec := model.ErrorRecord{Code: "mqtt_connect_timeout", Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		return fmt.Errorf("连接MQTT代理超时: %s", c.broker)
	}
	if err := token.Error(); err != nil {
		c.MarkRetry()
		rec := model.ErrorRecord{Code: "mqtt_connect", Message: err.Error(), Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		return fmt.Errorf("连接MQTT代理失败: %w", err)
	}

	for _, topic := range c.topics {
		t := client.Subscribe(topic, c.params.QoS, c.onMessage)
		if !t.WaitTimeout(c.timeout) || t.Error() != nil {
			client.Disconnect(250)
			return fmt.Errorf("订阅主题失败: %s", topic)
		}
	}

	c.client = client
	c.MarkConnected()
	log.Info().Str("name", c.Name()).Str("broker", c.broker).Msg("MQTT代理连接成功")
	return nil
}

// onMessage 缓存收到的消息并刷新心跳
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	result, err := parsePayload(msg.Payload())
	if err != nil {
		log.Warn().Err(err).
			Str("name", c.Name()).
			Str("topic", msg.Topic()).
			Msg("解析MQTT消息失败")
		return
	}

	c.mutex.Lock()
	c.cache[msg.Topic()] = cachedValue{result: result, seen: time.Now()}
	c.mutex.Unlock()
	c.Heartbeat()
}

// parsePayload 支持两种载荷：纯数字文本，或JSON对象 {value,quality,timestamp}
func parsePayload(payload []byte) (southbound.ReadResult, error) {
	text := strings.TrimSpace(string(payload))

	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return southbound.ReadResult{Value: v, Quality: model.QualityGood, Timestamp: time.Now().UTC()}, nil
	}

	var body struct {
		Value     interface{} `json:"value"`
		Quality   string      `json:"quality"`
		Timestamp string      `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return southbound.ReadResult{}, fmt.Errorf("载荷既非数字也非JSON对象: %w", err)
	}

	res := southbound.ReadResult{
		Value:     body.Value,
		Quality:   model.Quality(strings.ToUpper(body.Quality)),
		Timestamp: time.Now().UTC(),
	}
	if !res.Quality.IsValid() {
		res.Quality = model.QualityGood
	}
	if body.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, body.Timestamp); err == nil {
			res.Timestamp = ts.UTC()
		}
	}
	return res, nil
}

// ReadValue 返回主题的最近缓存值
func (c *Client) ReadValue(_ context.Context, id string) (southbound.ReadResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client == nil || !c.client.IsConnected() {
		return southbound.ReadResult{}, fmt.Errorf("MQTT客户端未连接")
	}

	cached, ok := c.cache[id]
	if !ok {
		return southbound.ReadResult{}, fmt.Errorf("主题尚未收到数据: %s", id)
	}
	return cached.result, nil
}

// Status 返回协议状态映射
func (c *Client) Status() map[string]interface{} {
	st := c.BaseStatus()
	c.mutex.Lock()
	st["broker"] = c.broker
	st["cached_topics"] = len(c.cache)
	c.mutex.Unlock()
	return st
}

// Close 断开MQTT连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
	}
	c.MarkDisconnected()
	return nil
}

package dnp3client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

func init() {
	// 注册客户端工厂
	southbound.Register("dnp3", func() southbound.ProtocolClient {
		return &Client{}
	})
}

// Client 是DNP3风格的轮询客户端，面向站端模拟器的行协议：
// 请求 "READ <index>"，应答 "VALUE <数值> <质量>" 或 "ERROR <原因>"。
// 真实DNP3链路层由站端网关代理，这里只消费其文本外设接口。
type Client struct {
	*southbound.BaseClient
	address string
	timeout time.Duration

	conn   net.Conn
	reader *bufio.Reader
	mutex  sync.Mutex
}

// Init 初始化客户端
func (c *Client) Init(cfg southbound.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("DNP3配置无效: %w", err)
	}

	c.BaseClient = southbound.NewBaseClient(cfg.Name, "dnp3")
	c.address = cfg.Address
	c.timeout = cfg.Timeout()

	log.Info().
		Str("name", c.Name()).
		Str("address", c.address).
		Msg("DNP3客户端初始化完成")

	return nil
}

// Connect 建立TCP连接
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		c.MarkRetry()
		rec := model.ErrorRecord{Code: "dnp3_connect", Message: err.Error(), Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		return fmt.Errorf("连接DNP3站端失败: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.MarkConnected()
	log.Info().Str("name", c.Name()).Str("address", c.address).Msg("DNP3站端连接成功")
	return nil
}

// ReadValue 轮询单个点位索引
func (c *Client) ReadValue(_ context.Context, id string) (southbound.ReadResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return southbound.ReadResult{}, fmt.Errorf("DNP3客户端未连接")
	}

	deadline := time.Now().Add(c.timeout)
	_ = c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "READ %s\n", id); err != nil {
		return southbound.ReadResult{}, c.ioError("dnp3_write", id, err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return southbound.ReadResult{}, c.ioError("dnp3_read", id, err)
	}

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return southbound.ReadResult{}, fmt.Errorf("站端应答为空")
	}

	switch fields[0] {
	case "VALUE":
		if len(fields) < 2 {
			return southbound.ReadResult{}, fmt.Errorf("站端应答缺少数值: %s", line)
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return southbound.ReadResult{}, fmt.Errorf("站端数值无效: %w", err)
		}
		quality := model.QualityGood
		if len(fields) >= 3 {
			q := model.Quality(strings.ToUpper(fields[2]))
			if q.IsValid() {
				quality = q
			} else {
				quality = model.QualityUncertain
			}
		}
		c.Heartbeat()
		return southbound.ReadResult{
			Value:     value,
			Quality:   quality,
			Timestamp: time.Now().UTC(),
		}, nil
	case "ERROR":
		return southbound.ReadResult{}, fmt.Errorf("站端返回错误: %s", strings.Join(fields[1:], " "))
	default:
		return southbound.ReadResult{}, fmt.Errorf("无法识别的站端应答: %s", line)
	}
}

// ioError 记录IO层错误并断开连接标记
func (c *Client) ioError(code, id string, err error) error {
	rec := model.ErrorRecord{Code: code, Message: err.Error(),
		Context: map[string]interface{}{"index": id}, Timestamp: model.NowISO()}
	c.MarkError(rec, false)
	c.MarkDisconnected()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
	return fmt.Errorf("DNP3站端IO失败: %w", err)
}

// Status 返回协议状态映射
func (c *Client) Status() map[string]interface{} {
	st := c.BaseStatus()
	st["address"] = c.address
	return st
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
	c.MarkDisconnected()
	return nil
}

package modbusclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

func init() {
	// 注册客户端工厂
	southbound.Register("modbus", func() southbound.ProtocolClient {
		return &Client{}
	})
}

// Params 是Modbus客户端的特定参数
type Params struct {
	SlaveID byte    `json:"slave_id"`
	Scale   float64 `json:"scale"`
	Offset  float64 `json:"offset"`
}

// Client 是Modbus/TCP协议客户端。
// 标识符格式为 "<区域>:<地址>"，区域取 hr/ir/co/di。
type Client struct {
	*southbound.BaseClient
	address string
	params  Params

	handler *modbus.TCPClientHandler
	client  modbus.Client
	mutex   sync.Mutex
}

// Init 初始化客户端
func (c *Client) Init(cfg southbound.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("Modbus配置无效: %w", err)
	}

	c.BaseClient = southbound.NewBaseClient(cfg.Name, "modbus")
	c.address = cfg.Address
	c.params = Params{SlaveID: 1, Scale: 1}

	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &c.params); err != nil {
			return fmt.Errorf("解析Modbus特定参数失败: %w", err)
		}
		if c.params.Scale == 0 {
			c.params.Scale = 1
		}
	}

	c.handler = modbus.NewTCPClientHandler(c.address)
	c.handler.Timeout = cfg.Timeout()
	c.handler.SlaveId = c.params.SlaveID
	c.client = modbus.NewClient(c.handler)

	log.Info().
		Str("name", c.Name()).
		Str("address", c.address).
		Uint8("slave_id", c.params.SlaveID).
		Msg("Modbus客户端初始化完成")

	return nil
}

// Connect 建立Modbus/TCP连接
func (c *Client) Connect(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.handler.Connect(); err != nil {
		c.MarkRetry()
		rec := model.ErrorRecord{Code: "modbus_connect", Message: err.Error(), Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		return fmt.Errorf("连接Modbus设备失败: %w", err)
	}

	c.MarkConnected()
	log.Info().Str("name", c.Name()).Str("address", c.address).Msg("Modbus设备连接成功")
	return nil
}

// parseID 解析 "<区域>:<地址>" 形式的标识符
func parseID(id string) (area string, addr uint16, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("标识符格式应为 <区域>:<地址>: %s", id)
	}
	n, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("寄存器地址无效: %w", err)
	}
	return parts[0], uint16(n), nil
}

// ReadValue 读取单个寄存器或线圈
func (c *Client) ReadValue(_ context.Context, id string) (southbound.ReadResult, error) {
	area, addr, err := parseID(id)
	if err != nil {
		return southbound.ReadResult{}, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var raw []byte
	switch area {
	case "hr":
		raw, err = c.client.ReadHoldingRegisters(addr, 1)
	case "ir":
		raw, err = c.client.ReadInputRegisters(addr, 1)
	case "co":
		raw, err = c.client.ReadCoils(addr, 1)
	case "di":
		raw, err = c.client.ReadDiscreteInputs(addr, 1)
	default:
		return southbound.ReadResult{}, fmt.Errorf("不支持的寄存器区域: %s", area)
	}

	if err != nil {
		rec := model.ErrorRecord{Code: "modbus_read", Message: err.Error(),
			Context: map[string]interface{}{"register": id}, Timestamp: model.NowISO()}
		c.MarkError(rec, false)
		if isConnectionError(err) {
			c.MarkDisconnected()
		}
		return southbound.ReadResult{}, fmt.Errorf("读取寄存器失败: %w", err)
	}

	c.Heartbeat()

	var value float64
	switch area {
	case "co", "di":
		if len(raw) == 0 {
			return southbound.ReadResult{}, fmt.Errorf("读取数据为空")
		}
		if raw[0]&0x01 == 1 {
			value = 1
		}
	default:
		if len(raw) < 2 {
			return southbound.ReadResult{}, fmt.Errorf("数据长度不足，需要2字节")
		}
		value = float64(int16(binary.BigEndian.Uint16(raw[:2])))*c.params.Scale + c.params.Offset
	}

	return southbound.ReadResult{
		Value:     value,
		Quality:   model.QualityGood,
		Timestamp: time.Now().UTC(),
	}, nil
}

// isConnectionError 判断是否为连接层错误
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "refused", "broken pipe", "reset by peer"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Status 返回协议状态映射
func (c *Client) Status() map[string]interface{} {
	st := c.BaseStatus()
	st["address"] = c.address
	st["slave_id"] = c.params.SlaveID
	return st
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.handler != nil {
		c.handler.Close()
	}
	c.MarkDisconnected()
	return nil
}

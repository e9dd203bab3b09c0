package gototech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// 后台操作码
const (
	OpCurrentReservations = "getCurrentReservations"
	OpFutureReservations  = "GetFutureReservations"
	OpAllCars             = "GetAllCars"
	OpReservationComments = "GetReservationComments"

	// AllCarsFilter GetAllCars 的固定查询参数
	AllCarsFilter = "null/null/1/false"
)

var (
	ErrNoData       = errors.New("no data in response")
	ErrUnauthorized = errors.New("token rejected")
)

// Client 后台 JSON-RPC 客户端
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient 创建客户端，endpoint 为 .../API/SEND
func NewClient(endpoint string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		endpoint: endpoint,
	}
}

// Endpoint 请求地址
func (c *Client) Endpoint() string {
	return c.endpoint
}

type request struct {
	Opcode   string `json:"Opcode"`
	Data     string `json:"Data"`
	Username string `json:"Username"`
	Password string `json:"Password"`
}

// envelope Data 字段本身是 JSON 编码的字符串
type envelope struct {
	Data *string `json:"Data"`
}

// Send 调用操作码并把 Data 解码到 out
func (c *Client) Send(ctx context.Context, token, opcode, data string, out interface{}) error {
	body, err := json.Marshal(request{Opcode: opcode, Data: data, Username: "x", Password: "x"})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", opcode, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", opcode, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s failed: status=%d body=%s", opcode, resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", opcode, err)
	}
	if env.Data == nil || *env.Data == "" || *env.Data == "[]" || *env.Data == "null" {
		return fmt.Errorf("%s: %w", opcode, ErrNoData)
	}

	if err := json.Unmarshal([]byte(*env.Data), out); err != nil {
		return fmt.Errorf("decode %s data: %w", opcode, err)
	}
	return nil
}

// CurrentReservations 当前进行中的订单
func (c *Client) CurrentReservations(ctx context.Context, token string) ([]Reservation, error) {
	var out []Reservation
	if err := c.Send(ctx, token, OpCurrentReservations, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FutureReservations 未来订单
func (c *Client) FutureReservations(ctx context.Context, token string) ([]Reservation, error) {
	var out []Reservation
	if err := c.Send(ctx, token, OpFutureReservations, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllCars 全部车辆
func (c *Client) AllCars(ctx context.Context, token string) ([]Car, error) {
	var out []Car
	if err := c.Send(ctx, token, OpAllCars, AllCarsFilter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Comments 订单备注，没有备注时返回空切片
func (c *Client) Comments(ctx context.Context, token string, rideID ID) ([]Comment, error) {
	var out []Comment
	err := c.Send(ctx, token, OpReservationComments, rideID.String(), &out)
	if errors.Is(err, ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

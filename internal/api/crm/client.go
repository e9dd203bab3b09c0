package crm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const apiPath = "/api/data/v9.0"

// NotificationsPath 浏览器轮询的通知接口前缀
const NotificationsPath = apiPath + "/appnotifications"

var ErrEmptyBatch = errors.New("empty batch response")

// Ref 通知正文引用的实体
type Ref struct {
	Entity string // etn，例如 email、incident
	ID     string
}

var refPattern = regexp.MustCompile(`etn=(\w+)&(?:amp;)?id=([0-9a-fA-F-]{36})`)

// ParseRef 从通知正文中提取实体引用
func ParseRef(body string) (Ref, bool) {
	m := refPattern.FindStringSubmatch(body)
	if m == nil {
		return Ref{}, false
	}
	return Ref{Entity: strings.ToLower(m[1]), ID: strings.ToLower(m[2])}, true
}

// entitySet 实体集合名
func entitySet(entity string) string {
	switch {
	case strings.HasSuffix(entity, "y"):
		return strings.TrimSuffix(entity, "y") + "ies"
	case strings.HasSuffix(entity, "s"):
		return entity + "es"
	}
	return entity + "s"
}

// Client Dynamics CRM Web API 客户端，使用浏览器会话 cookie 授权
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient 创建客户端
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL CRM 地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchBodies 通过 $batch 一次取回多条实体的 description，结果按请求顺序返回
func (c *Client) FetchBodies(ctx context.Context, cookie string, refs []Ref) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	boundary := "batch_" + uuid.NewString()
	var buf bytes.Buffer
	for _, ref := range refs {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: application/http\r\n")
		buf.WriteString("Content-Transfer-Encoding: binary\r\n\r\n")
		fmt.Fprintf(&buf, "GET %s%s/%s(%s)?$select=description HTTP/1.1\r\n", c.baseURL, apiPath, entitySet(ref.Entity), ref.ID)
		buf.WriteString("Accept: application/json\r\n\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPath+"/$batch", &buf)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/mixed;boundary="+boundary)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("batch failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	bodies, err := parseBatch(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, err
	}
	if len(bodies) == 0 {
		return nil, ErrEmptyBatch
	}
	return bodies, nil
}

func parseBatch(contentType string, r io.Reader) ([]string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse batch content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch content type %q", mediaType)
	}

	mr := multipart.NewReader(r, params["boundary"])
	var out []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}

		inner, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return nil, fmt.Errorf("read batch response: %w", err)
		}
		var entity struct {
			Description string `json:"description"`
		}
		if inner.StatusCode == http.StatusOK {
			if err := json.NewDecoder(inner.Body).Decode(&entity); err != nil {
				inner.Body.Close()
				return nil, fmt.Errorf("decode batch entity: %w", err)
			}
		}
		inner.Body.Close()
		out = append(out, StripHTML(entity.Description))
	}
	return out, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripHTML 去掉邮件正文中的标签
func StripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

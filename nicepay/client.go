package nicepay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
)

// Client talks to the NICEPAY CMS withdrawal API. Rate limiting is a simple
// ticker because the gateway throttles per merchant key, not per endpoint.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	serviceCd string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("NICEPAY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://cms.nicepay.co.kr"
	}
	apiKey := strings.TrimSpace(os.Getenv("NICEPAY_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("nicepay api key is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("NICEPAY_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "Api-Key"
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("NICEPAY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("NICEPAY_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		serviceCd: "BANK",
		http:      &http.Client{Timeout: timeout},
		limiter:   time.Tick(interval),
	}, nil
}

// Charge requests one withdrawal. idempotencyKey is sent as the order id
// (moid) so the gateway deduplicates replays of the same attempt.
func (c *Client) Charge(ctx context.Context, idempotencyKey string, accountRef string, amount decimal.Decimal) (Outcome, error) {
	reqBody := chargeRequest{
		MemberId:  accountRef,
		ReqAmt:    amount.StringFixed(0),
		Moid:      idempotencyKey,
		ServiceCd: c.serviceCd,
	}
	resp, err := c.post(ctx, "/payments", reqBody)
	if err != nil {
		return Outcome{}, err
	}
	return toOutcome(resp), nil
}

// Query fetches the authoritative state of a prior attempt; used to resolve
// timed-out charges instead of assuming success.
func (c *Client) Query(ctx context.Context, processorTxId string) (Outcome, error) {
	resp, err := c.get(ctx, "/payments/"+processorTxId)
	if err != nil {
		return Outcome{}, err
	}
	return toOutcome(resp), nil
}

func toOutcome(resp chargeResponse) Outcome {
	out := Outcome{
		Approved:      resp.ResultCd == resultCodeOK,
		ResultCode:    resp.ResultCd,
		ResultMessage: resp.ResultMsg,
	}
	if resp.PayInfo != nil {
		out.ProcessorTxId = resp.PayInfo.Tid
		// A queried payment row is only approved when its status says paid.
		if resp.PayInfo.Status != 0 {
			out.Approved = resp.PayInfo.Status == 1
		}
	}
	return out
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (chargeResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return chargeResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return chargeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (chargeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return chargeResponse{}, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (chargeResponse, error) {
	<-c.limiter
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Service-Type", "B")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return chargeResponse{}, fmt.Errorf("%w: %v", utils.ErrProcessorTimeout, err)
		}
		return chargeResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chargeResponse{}, fmt.Errorf("nicepay api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chargeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return chargeResponse{}, err
	}
	return parsed, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

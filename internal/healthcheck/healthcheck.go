// Package healthcheck probes a running calculator server end to end with an
// MCP client: initialize, list tools and one arithmetic call.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ErrBackoff is returned while a previous failure's backoff is active.
var ErrBackoff = errors.New("backoff active")

// Result captures the outcome of a check.
type Result struct {
	Healthy         bool          `json:"healthy"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`
	ServerName      string        `json:"server_name,omitempty"`
	Tools           []string      `json:"tools,omitempty"`
	Sample          string        `json:"sample,omitempty"`
	Latency         time.Duration `json:"latency"`
	LastError       string        `json:"last_error,omitempty"`
}

// Checker checks an MCP endpoint for health. Consecutive failures back off
// exponentially.
type Checker struct {
	endpointURL string
	timeout     time.Duration

	mu          sync.Mutex
	fails       int
	lastError   string
	nextAttempt time.Time
}

// New creates a Checker for endpointURL, e.g. http://localhost:8003/mcp.
func New(endpointURL string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{endpointURL: endpointURL, timeout: timeout}
}

// Check runs the probe once.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.fails > 0 && time.Now().Before(c.nextAttempt) {
		last := c.lastError
		c.mu.Unlock()
		return Result{LastError: last}, ErrBackoff
	}
	c.mu.Unlock()

	start := time.Now()
	res, err := c.probe(ctx)
	res.Latency = time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.fails++
		c.lastError = err.Error()
		c.nextAttempt = time.Now().Add(computeBackoff(c.fails))
		res.LastError = c.lastError
		return res, err
	}
	c.fails = 0
	c.lastError = ""
	c.nextAttempt = time.Time{}
	res.Healthy = true
	return res, nil
}

// Reset clears the failure history.
func (c *Checker) Reset() {
	c.mu.Lock()
	c.fails = 0
	c.lastError = ""
	c.nextAttempt = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) probe(ctx context.Context) (Result, error) {
	cl, err := client.NewStreamableHttpClient(c.endpointURL)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = cl.Close() }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := cl.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("start: %w", err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "mcpcalc-check", Version: "1"}
	initRes, err := cl.Initialize(ctx, init)
	if err != nil {
		return Result{}, fmt.Errorf("initialize: %w", err)
	}
	res := Result{ProtocolVersion: initRes.ProtocolVersion, ServerName: initRes.ServerInfo.Name}

	list, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return res, fmt.Errorf("tools/list: %w", err)
	}
	for _, t := range list.Tools {
		res.Tools = append(res.Tools, t.Name)
	}
	if len(res.Tools) == 0 {
		return res, errors.New("tools/list: no tools")
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = "add_numbers"
	call.Params.Arguments = map[string]any{"a": 2, "b": 3}
	out, err := cl.CallTool(ctx, call)
	if err != nil {
		return res, fmt.Errorf("tools/call: %w", err)
	}
	var texts []string
	for _, content := range out.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
		}
	}
	res.Sample = strings.Join(texts, "\n")
	if out.IsError || !strings.Contains(res.Sample, "5") {
		return res, fmt.Errorf("tools/call: unexpected result %q", res.Sample)
	}
	return res, nil
}

func computeBackoff(fails int) time.Duration {
	base := 5 * time.Second
	limit := 2 * time.Minute
	d := base * time.Duration(int(math.Pow(2, float64(min(fails, 8)-1))))
	if d > limit {
		d = limit
	}
	jitter := rand.Float64()*0.4 - 0.2
	return time.Duration(float64(d) * (1 + jitter))
}

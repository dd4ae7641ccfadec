package statsd

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureConn records each Write as one datagram.
type captureConn struct {
	net.Conn
	mu      sync.Mutex
	packets []string
	closed  bool
}

func (c *captureConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, string(b))
	return len(b), nil
}

func (c *captureConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.packets...)
}

func newTestClient(t *testing.T, cfg Config) (*Client, *captureConn) {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	conn := &captureConn{}
	c := newClient(conn, cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func TestClient_BatchesLinesUntilFlush(t *testing.T) {
	c, conn := newTestClient(t, Config{Prefix: " etl. "})

	c.Count("load.rows", 40, map[string]string{"kind": "inserted"})
	c.Gauge("load.success_rate", 97.5, nil)
	c.Timing("load.chunk_duration", 1500*time.Microsecond, nil)
	assert.Empty(t, conn.snapshot(), "nothing is sent before a flush")

	c.Flush()
	packets := conn.snapshot()
	require.Len(t, packets, 1)
	assert.Equal(t, strings.Join([]string{
		"etl.load.rows:40|c|#kind:inserted",
		"etl.load.success_rate:97.5|g",
		"etl.load.chunk_duration:1.5|ms",
	}, "\n"), packets[0])

	c.Flush()
	assert.Len(t, conn.snapshot(), 1, "empty buffer is not sent")
}

func TestClient_SplitsPacketsAtMaxSize(t *testing.T) {
	c, conn := newTestClient(t, Config{MaxPacketSize: 40})

	for range 5 {
		c.Count("rollback.result", 1, nil) // 19 bytes each
	}
	c.Flush()

	packets := conn.snapshot()
	require.Len(t, packets, 3)
	for _, p := range packets {
		assert.LessOrEqual(t, len(p), 40)
	}
	assert.Equal(t, "rollback.result:1|c\nrollback.result:1|c", packets[0])
	assert.Equal(t, "rollback.result:1|c", packets[2])
}

func TestClient_GlobalTagsMergeWithLocal(t *testing.T) {
	global := map[string]string{"env": "prod", " service ": " etl "}
	c, conn := newTestClient(t, Config{GlobalTags: global})
	global["env"] = "mutated"

	c.Count("job.transition", 1, map[string]string{"env": "stage", "": "ignored", "result": " success "})
	c.Flush()

	packets := conn.snapshot()
	require.Len(t, packets, 1)
	assert.Equal(t, "job.transition:1|c|#env:stage,result:success,service:etl", packets[0])
}

func TestClient_MetricNamesAreSanitised(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	assert.Equal(t, "job_metric", c.metricName(" job/metric "))
	assert.Equal(t, "foo.bar", c.metricName("foo..bar"))
	assert.Equal(t, "a_b_c", c.metricName("a:b|c"))
	assert.Empty(t, c.metricName(" .. "))
}

func TestClient_CloseFlushesAndIsIdempotent(t *testing.T) {
	conn := &captureConn{}
	c := newClient(conn, Config{FlushInterval: time.Hour})

	c.Count("reaper.cleanup", 1, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, []string{"reaper.cleanup:1|c"}, conn.snapshot())
	assert.True(t, conn.closed)

	c.Count("after.close", 1, nil)
	c.Flush()
	assert.Len(t, conn.snapshot(), 1)
}

func TestClient_PeriodicFlush(t *testing.T) {
	c, conn := newTestClient(t, Config{FlushInterval: 10 * time.Millisecond})
	c.Count("job.transition", 1, nil)
	assert.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	c.Count("x", 1, nil)
	c.Flush()
	assert.NoError(t, c.Close())
}

func TestNewClient_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	_, err = NewClient(Config{Address: " "})
	require.Error(t, err)

	c, err := NewClient(Config{Address: pc.LocalAddr().String(), FlushInterval: time.Hour})
	require.NoError(t, err)
	c.Count("load.result", 1, map[string]string{"status": "completed"})
	require.NoError(t, c.Close())

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "load.result:1|c|#status:completed", string(buf[:n]))
}

package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/utils"
)

type capture struct {
	mu       sync.Mutex
	payloads []eventPayload
	failures int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failures > 0 {
			c.failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p eventPayload
		if err := json.Unmarshal(body, &p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.payloads = append(c.payloads, p)
	}
}

func (c *capture) received() []eventPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]eventPayload, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func testConf() config.WebhookConfig {
	return config.WebhookConfig{
		MaxRetries:     3,
		InitialBackoff: utils.Duration(10 * time.Millisecond),
		RequestTimeout: utils.Duration(time.Second),
	}
}

func memberEvent(kind EventKind, reason LeaveReason) Event {
	return Event{
		Fid:    element.MemberFid("conference", "alice"),
		At:     time.Now(),
		Kind:   kind,
		Reason: reason,
	}
}

func TestNotifierDelivers(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := NewQueuedNotifier(testConf())
	defer n.Stop()

	n.QueueNotify(srv.URL, memberEvent(EventOnJoin, ""))

	require.Eventually(t, func() bool {
		return len(c.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := c.received()[0]
	require.Equal(t, "conference.alice", got.Fid)
	require.Equal(t, EventOnJoin, got.Event.Type)
	require.Empty(t, got.Event.Reason)
	_, err := time.Parse(time.RFC3339, got.At)
	require.NoError(t, err)
}

func TestNotifierOrdersJoinBeforeLeave(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := NewQueuedNotifier(testConf())
	defer n.Stop()

	n.QueueNotify(srv.URL, memberEvent(EventOnJoin, ""))
	n.QueueNotify(srv.URL, memberEvent(EventOnLeave, ReasonDisconnected))

	require.Eventually(t, func() bool {
		return len(c.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := c.received()
	require.Equal(t, EventOnJoin, got[0].Event.Type)
	require.Equal(t, EventOnLeave, got[1].Event.Type)
	require.Equal(t, ReasonDisconnected, got[1].Event.Reason)
}

func TestNotifierRetriesTransientFailures(t *testing.T) {
	c := &capture{failures: 2}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := NewQueuedNotifier(testConf())
	defer n.Stop()

	n.QueueNotify(srv.URL, memberEvent(EventOnJoin, ""))

	require.Eventually(t, func() bool {
		return len(c.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotifierGivesUpAfterRetryBudget(t *testing.T) {
	c := &capture{failures: 100}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := NewQueuedNotifier(testConf())
	n.QueueNotify(srv.URL, memberEvent(EventOnJoin, ""))

	// retry budget is MaxRetries attempts after the first; the event is then
	// dropped without blocking later events
	n.QueueNotify("", memberEvent(EventOnLeave, ReasonDisconnected))
	n.Stop()

	require.Empty(t, c.received())
}

func TestNotifierSkipsEmptyURL(t *testing.T) {
	n := NewQueuedNotifier(testConf())
	defer n.Stop()

	// members without callbacks configured produce no delivery
	n.QueueNotify("", memberEvent(EventOnJoin, ""))
}

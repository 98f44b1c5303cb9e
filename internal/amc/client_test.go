package amc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vermut/amc2mqtt/internal/log"
)

const testCentralID = "CENTRAL1"

// relayStates is a snapshot with everything disarmed, so tests can flip
// bits through patches and observe the transitions.
const relayStates = `{
	"` + testCentralID + `": {
		"status": "AMC X864V/4.10",
		"statusID": 1,
		"realName": "Casa Mia",
		"amcProtoVer": 2,
		"data": [
			{"index": 0, "name": "GROUPS", "list": [
				{"index": 0, "name": "Casa", "Id": 1, "group": 1, "states": {"bit_on": 0}}
			]},
			{"index": 1, "name": "AREAS", "list": [
				{"index": 0, "name": "Perimetro", "Id": 2, "group": 2, "states": {"bit_on": 0}, "filters": ["1.0"]}
			]},
			{"index": 2, "name": "ZONES", "list": [
				{"index": 0, "name": "Porta", "Id": 10, "group": 3, "states": {"bit_on": 0, "bit_armed": 0, "bit_opened": 0}, "filters": ["2.0"]}
			]},
			{"index": 7, "name": "USERS", "users": {
				"1234": {"index": 1, "name": "Mario"}
			}}
		]
	}
}`

// fakeRelay is an in-process stand-in for the cloud relay: it accepts any
// number of websocket connections and hands every decoded command to the
// test's handler, which writes whatever replies the scenario needs.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeRelay(t *testing.T, handle func(r *fakeRelay, cmd Command)) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			handle(r, cmd)
		}
	}))
	t.Cleanup(r.srv.Close)
	r.url = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	return r
}

func (r *fakeRelay) send(raw string) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		r.t.Error("relay has no connection to send on")
		return
	}
	require.NoError(r.t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (r *fakeRelay) sendLoginOK() {
	r.send(`{"command":"loginUser","status":"Logged","user":{"email":"user@example.com","token":"tok123"}}`)
}

func (r *fakeRelay) sendStates() {
	r.send(`{"command":"getStates","status":"ok","centrals":` + relayStates + `}`)
}

func (r *fakeRelay) close() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(Options{
		URL:             url,
		Email:           "user@example.com",
		Password:        "secret",
		CentralID:       testCentralID,
		CentralUsername: "admin",
		CentralPassword: "adminpw",
		CommandTimeout:  5 * time.Second,
	}, log.NewLogger("error"))
	t.Cleanup(c.Disconnect)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientConnectAndFetch(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			require.Equal(t, "tok123", cmd.Token)
			require.Len(t, cmd.Centrals, 1)
			require.Equal(t, testCentralID, cmd.Centrals[0].CentralID)
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)

	require.NoError(t, c.Connect(testContext(t)))

	state, _ := c.State()
	require.Equal(t, CentralOK, state)
	require.True(t, c.CentralValid())
	require.True(t, c.DeviceAvailable())
	require.True(t, c.PinRequired())
	require.Equal(t, 2, c.ProtoVersion())
	require.False(t, c.ArmedAny())

	zone, err := c.Parser().Zone(testCentralID, 10)
	require.NoError(t, err)
	require.Equal(t, "Porta", zone.Name)
}

func TestClientBareGetStatesReply(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			// the relay quirk: success payload without its envelope
			r.send(relayStates)
		}
	})
	c := testClient(t, relay.url)

	require.NoError(t, c.Connect(testContext(t)))
	state, _ := c.State()
	require.Equal(t, CentralOK, state)
}

func TestClientAuthFailureIsFatal(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		if cmd.Command == CommandLoginUser {
			r.send(`{"command":"loginUser","status":"error","message":"bad credentials"}`)
		}
	})
	c := testClient(t, relay.url)

	err := c.Connect(testContext(t))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.True(t, IsFatal(err))

	state, _ := c.State()
	require.Equal(t, Stopped, state)

	// the fatal cause is latched for later callers
	err = c.EnsureLogged(testContext(t))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestClientCentralNotFound(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			r.send(`{"command":"getStates","status":"ok","centrals":{"OTHER":{"status":"x","statusID":1}}}`)
		}
	})
	c := testClient(t, relay.url)

	err := c.Connect(testContext(t))
	require.ErrorIs(t, err, ErrCentralNotFound)
	require.True(t, IsFatal(err))
}

func TestClientUnavailableCentralInsideOkEnvelope(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			// ok envelope, unavailable central
			r.send(`{"command":"getStates","status":"ok","centrals":{"` + testCentralID + `":{"status":"not available","statusID":0}}}`)
		}
	})
	c := testClient(t, relay.url)

	err := c.Connect(testContext(t))
	require.ErrorIs(t, err, ErrCentralStatus)

	state, _ := c.State()
	require.Equal(t, CentralKO, state)
	require.False(t, c.DeviceAvailable())
}

func TestClientCentralKOSwapsSnapshot(t *testing.T) {
	var mu sync.Mutex
	unavailable := false
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			mu.Lock()
			down := unavailable
			mu.Unlock()
			if down {
				r.send(`{"command":"getStates","status":"ok","centrals":{"` + testCentralID + `":{"status":"not available","statusID":0}}}`)
				return
			}
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)
	require.NoError(t, c.Connect(testContext(t)))

	before := c.Parser()
	require.Equal(t, "AMC X864V/4.10", before.Status(testCentralID))
	require.False(t, before.StatusIsError(testCentralID))

	mu.Lock()
	unavailable = true
	mu.Unlock()
	_, err := c.GetStatesAndReturn(testContext(t))
	require.ErrorIs(t, err, ErrCentralStatus)

	// the ko status lands in a fresh snapshot; the one handed out earlier
	// is left untouched
	after := c.Parser()
	require.Equal(t, "not available", after.Status(testCentralID))
	require.True(t, after.StatusIsError(testCentralID))
	require.Equal(t, "AMC X864V/4.10", before.Status(testCentralID))
	require.False(t, before.StatusIsError(testCentralID))
}

func TestClientWrongCentralLoginIsFatal(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			r.send(`{"command":"getStates","status":"ko","centrals":{"` + testCentralID + `":{"status":"wrong login data","statusID":0}}}`)
		}
	})
	c := testClient(t, relay.url)

	err := c.Connect(testContext(t))
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	state, _ := c.State()
	require.Equal(t, Stopped, state)
}

func TestClientMalformedFramesAreDropped(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.send(`this is not json`)
			r.send(`{"status":"no command key"}`)
			r.sendLoginOK()
		case CommandGetStates:
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)

	require.NoError(t, c.Connect(testContext(t)))
	state, _ := c.State()
	require.Equal(t, CentralOK, state)
}

func TestClientApplyPatchUpdatesState(t *testing.T) {
	var mu sync.Mutex
	fetches := 0
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			mu.Lock()
			fetches++
			mu.Unlock()
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)

	updated := make(chan struct{}, 16)
	c.OnDataChanged(func() {
		select {
		case updated <- struct{}{}:
		default:
		}
	})
	require.NoError(t, c.Connect(testContext(t)))
	drain(updated)

	relay.send(`{"command":"applyPatch","patch":[
		{"op":"replace","path":"/centrals/` + testCentralID + `/data/2/list/0/states/bit_opened","value":1}
	]}`)

	require.Eventually(t, func() bool {
		zone, err := c.Parser().Zone(testCentralID, 10)
		return err == nil && zone.States.Opened == 1
	}, 5*time.Second, 20*time.Millisecond)
	requireSignal(t, updated)

	// the patch applied incrementally, without falling back to a resync
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fetches)
}

func TestClientSetStatesResolvesOnObservedEffect(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			r.sendStates()
		case CommandSetStates:
			require.Equal(t, "1234", cmd.UserPIN)
			require.NotNil(t, cmd.UserIdx)
			require.Equal(t, 1, *cmd.UserIdx)
			// the relay acknowledges by patching the group's on bit, the
			// command resolves only once that effect is observed
			r.send(`{"command":"applyPatch","patch":[
				{"op":"replace","path":"/centrals/` + testCentralID + `/data/0/list/0/states/bit_on","value":1}
			]}`)
		}
	})
	c := testClient(t, relay.url)
	require.NoError(t, c.Connect(testContext(t)))

	confirmed, err := c.SetStates(testContext(t), 1, 0, true, "1234")
	require.NoError(t, err)
	require.True(t, confirmed)
	require.True(t, c.ArmedAny())
}

func TestClientSetStatesUnconfirmedStaysPending(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			r.sendStates()
		case CommandSetStates:
			// a refresh comes back with the bit still 0, so the command
			// must not resolve
			r.sendStates()
		}
	})
	c := NewClient(Options{
		URL:             relay.url,
		Email:           "user@example.com",
		Password:        "secret",
		CentralID:       testCentralID,
		CentralUsername: "admin",
		CentralPassword: "adminpw",
		CommandTimeout:  700 * time.Millisecond,
	}, log.NewLogger("error"))
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(testContext(t)))

	start := time.Now()
	_, err := c.SetStates(testContext(t), 1, 0, true, "1234")
	require.ErrorIs(t, err, ErrCommandTimeout)
	require.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)

	state, _, _ := c.pending.status("setStates_1_0")
	require.Equal(t, CommandStarted, state)
	require.False(t, c.ArmedAny())
}

func TestClientSetStatesPINValidation(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)
	require.NoError(t, c.Connect(testContext(t)))

	_, err := c.SetStates(testContext(t), 1, 0, true, "")
	require.ErrorIs(t, err, ErrPINNotSpecified)

	_, err = c.SetStates(testContext(t), 1, 0, true, "0000")
	require.ErrorIs(t, err, ErrPINNotValid)
}

func TestClientDisconnectFailsInFlightCommands(t *testing.T) {
	var mu sync.Mutex
	dropNext := true
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			mu.Lock()
			drop := dropNext
			dropNext = false
			mu.Unlock()
			if drop {
				// kill the transport instead of answering
				r.close()
				return
			}
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)

	// the first fetch dies with the connection, the retry on the fresh
	// connection succeeds
	err := c.Connect(testContext(t))
	if err != nil {
		require.ErrorIs(t, err, ErrConnectionFailed)
		require.NoError(t, c.Connect(testContext(t)))
	}

	state, _ := c.State()
	require.Equal(t, CentralOK, state)
}

func TestClientDisconnectForcesStartedCommandsKO(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		if cmd.Command == CommandLoginUser {
			r.sendLoginOK()
		}
		// getStates is never answered
	})
	c := testClient(t, relay.url)
	require.NoError(t, c.EnsureLogged(testContext(t)))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetStatesAndReturn(testContext(t))
		errCh <- err
	}()

	// let the fetch go out before tearing down
	time.Sleep(300 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight command was not failed by disconnect")
	}

	state, _ := c.State()
	require.Equal(t, Stopped, state)
}

func TestClientCheckCentralsTriggersRefetch(t *testing.T) {
	fetches := make(chan struct{}, 8)
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			fetches <- struct{}{}
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)
	require.NoError(t, c.Connect(testContext(t)))
	drain(fetches)

	relay.send(`{"command":"checkCentrals"}`)

	select {
	case <-fetches:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a state re-fetch after checkCentrals")
	}
}

func TestClientReconnectsAfterReloginStorm(t *testing.T) {
	var mu sync.Mutex
	reloginsLeft := 1
	relay := newFakeRelay(t, func(r *fakeRelay, cmd Command) {
		switch cmd.Command {
		case CommandLoginUser:
			r.sendLoginOK()
		case CommandGetStates:
			mu.Lock()
			relogin := reloginsLeft > 0
			reloginsLeft--
			mu.Unlock()
			if relogin {
				r.send(`{"command":"getStates","status":"error","message":"not logged, please login"}`)
				return
			}
			r.sendStates()
		}
	})
	c := testClient(t, relay.url)

	// a relogin request right after logging in means the server session is
	// broken; the client reconnects from scratch and retries
	err := c.Connect(testContext(t))
	if err != nil {
		require.NoError(t, c.Connect(testContext(t)))
	}

	require.Eventually(t, func() bool {
		state, _ := c.State()
		return state == CentralOK
	}, 5*time.Second, 20*time.Millisecond)
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func requireSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a data-changed notification")
	}
}
